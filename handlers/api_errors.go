package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/camden-git/eventgallery/media"
	"github.com/camden-git/eventgallery/recognition"
	"github.com/camden-git/eventgallery/services"
	"github.com/camden-git/eventgallery/source"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}

	_ = json.NewEncoder(w).Encode(resp)
}

type errorMapping struct {
	target error
	status int
	code   string
}

// serviceErrors is checked in order; the first errors.Is match wins.
var serviceErrors = []errorMapping{
	{services.ErrGalleryNotFound, http.StatusNotFound, "gallery_not_found"},
	{services.ErrImageNotFound, http.StatusNotFound, "image_not_found"},
	{services.ErrClusterNotFound, http.StatusNotFound, "cluster_not_found"},
	{services.ErrParticipantNotFound, http.StatusNotFound, "participant_not_found"},
	{source.ErrFolderNotFound, http.StatusNotFound, "folder_not_found"},
	{source.ErrFileNotFound, http.StatusNotFound, "file_not_found"},
	{services.ErrAlreadyProcessing, http.StatusConflict, "already_processing"},
	{services.ErrImportInProgress, http.StatusConflict, "import_in_progress"},
	{services.ErrNoActiveImport, http.StatusConflict, "no_active_import"},
	{services.ErrDuplicateImage, http.StatusConflict, "duplicate_image"},
	{services.ErrReprocessDisabled, http.StatusForbidden, "reprocess_disabled"},
	{services.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{source.ErrInvalidFolderLink, http.StatusBadRequest, "invalid_folder_link"},
	{media.ErrInvalidKey, http.StatusBadRequest, "invalid_key"},
	{source.ErrNotConfigured, http.StatusNotImplemented, "source_not_configured"},
	{media.ErrPresignUnsupported, http.StatusNotImplemented, "presign_unsupported"},
	{recognition.ErrThrottled, http.StatusServiceUnavailable, "recognition_throttled"},
}

// writeServiceError maps an error returned by the services package onto the
// standard error body. Anything unrecognised is logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			WriteAPIError(w, m.status, m.code, err.Error())
			return
		}
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	WriteAPIError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}
