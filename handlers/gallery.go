package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/eventgallery/repository"
	"github.com/camden-git/eventgallery/services"
)

// maxUploadBytes bounds a single direct upload.
const maxUploadBytes = 50 << 20

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// urlID parses a numeric chi URL parameter, writing a 400 when it is not one.
func urlID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		WriteAPIError(w, http.StatusBadRequest, "invalid_id", fmt.Sprintf("invalid %s '%s'", name, raw))
		return 0, false
	}
	return uint(id), true
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// optionalBool reads a tri-state query flag: absent or empty means nil.
func optionalBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

type GalleryHandler struct {
	Galleries *services.GalleryService
}

func (gh *GalleryHandler) CreateGallery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		EventID *uint  `json:"event_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	gallery, err := gh.Galleries.CreateGallery(r.Context(), req.Name, req.EventID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, gallery)
}

func (gh *GalleryHandler) ListGalleries(w http.ResponseWriter, r *http.Request) {
	galleries, err := gh.Galleries.ListGalleries(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, galleries)
}

func (gh *GalleryHandler) GetGallery(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	gallery, err := gh.Galleries.GetGallery(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gallery)
}

func (gh *GalleryHandler) DeleteGallery(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	if err := gh.Galleries.DeleteGallery(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (gh *GalleryHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	page := repository.Page{Page: queryInt(r, "page"), PageSize: queryInt(r, "page_size")}
	images, err := gh.Galleries.ListImages(r.Context(), id, r.URL.Query().Get("status"), page)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (gh *GalleryHandler) RequestUploadURL(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	slot, err := gh.Galleries.RequestUploadSlot(r.Context(), id, req.Filename, req.ContentType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (gh *GalleryHandler) ConfirmUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	var req struct {
		Key          string `json:"key"`
		OriginalName string `json:"original_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	image, err := gh.Galleries.ConfirmUpload(r.Context(), id, req.Key, req.OriginalName)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, image)
}

// readUpload pulls the "file" field out of a multipart request.
func readUpload(w http.ResponseWriter, r *http.Request) (filename, contentType string, data []byte, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_upload", "Expected a multipart 'file' field: "+err.Error())
		return "", "", nil, false
	}
	defer file.Close()

	data, err = io.ReadAll(file)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_upload", "Failed to read upload: "+err.Error())
		return "", "", nil, false
	}
	return header.Filename, header.Header.Get("Content-Type"), data, true
}

// UploadImage stores a photo sent as multipart form data.
func (gh *GalleryHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	filename, contentType, data, ok := readUpload(w, r)
	if !ok {
		return
	}
	image, err := gh.Galleries.UploadImage(r.Context(), id, filename, contentType, data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, image)
}

func (gh *GalleryHandler) ImageURL(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "image_id")
	if !ok {
		return
	}
	url, err := gh.Galleries.ImageURL(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (gh *GalleryHandler) StartProcessing(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	if err := gh.Galleries.StartProcessing(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	gh.writeStatus(w, r, id, http.StatusAccepted)
}

func (gh *GalleryHandler) ProcessingStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	gh.writeStatus(w, r, id, http.StatusOK)
}

// Reprocess wipes derived state and starts a fresh run. Disabled in production.
func (gh *GalleryHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	if err := gh.Galleries.Reprocess(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	gh.writeStatus(w, r, id, http.StatusAccepted)
}

func (gh *GalleryHandler) writeStatus(w http.ResponseWriter, r *http.Request, id uint, status int) {
	st, err := gh.Galleries.ProcessingStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, st)
}
