package handlers

import (
	"net/http"

	"github.com/camden-git/eventgallery/services"
)

// ImportHandler exposes bulk imports from a shared folder.
type ImportHandler struct {
	Imports *services.ImportService
}

// Preview lists what an import of ?folder= would bring in without starting one.
func (ih *ImportHandler) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		WriteAPIError(w, http.StatusBadRequest, "missing_folder", "query parameter 'folder' is required")
		return
	}
	preview, err := ih.Imports.Preview(r.Context(), id, folder)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (ih *ImportHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	var req struct {
		Folder string `json:"folder"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	started, err := ih.Imports.Start(r.Context(), id, req.Folder)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (ih *ImportHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	p, _, err := ih.Imports.Progress(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (ih *ImportHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	if err := ih.Imports.Cancel(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
