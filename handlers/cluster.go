package handlers

import (
	"net/http"

	"github.com/camden-git/eventgallery/models"
	"github.com/camden-git/eventgallery/repository"
	"github.com/camden-git/eventgallery/services"
)

// ClusterHandler serves face clusters and the participants they resolve to.
type ClusterHandler struct {
	Galleries *services.GalleryService
}

// ListClusters filters on ?assigned=true|false; omitted returns every cluster.
func (ch *ClusterHandler) ListClusters(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "gallery_id")
	if !ok {
		return
	}
	assigned, err := optionalBool(r, "assigned")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_query", "assigned must be true or false")
		return
	}
	clusters, err := ch.Galleries.ListClusters(r.Context(), id, assigned)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (ch *ClusterHandler) GetCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "cluster_id")
	if !ok {
		return
	}
	cluster, err := ch.Galleries.GetCluster(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (ch *ClusterHandler) AssignCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "cluster_id")
	if !ok {
		return
	}
	var req struct {
		ParticipantID *uint   `json:"participant_id"`
		ManualName    *string `json:"manual_name"`
		ManualEmail   *string `json:"manual_email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cluster, err := ch.Galleries.AssignCluster(r.Context(), id, repository.ClusterAssignment{
		ParticipantID: req.ParticipantID,
		ManualName:    req.ManualName,
		ManualEmail:   req.ManualEmail,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (ch *ClusterHandler) ShareCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "cluster_id")
	if !ok {
		return
	}
	if err := ch.Galleries.ShareCluster(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ch *ClusterHandler) RecordView(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "cluster_id")
	if !ok {
		return
	}
	if err := ch.Galleries.RecordClusterView(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ch *ClusterHandler) CreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID           *uint   `json:"event_id"`
		ExternalRef       string  `json:"external_ref"`
		Name              string  `json:"name"`
		Email             string  `json:"email"`
		ReferenceImageKey *string `json:"reference_image_key"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	p := &models.Participant{
		EventID:           req.EventID,
		ExternalRef:       req.ExternalRef,
		Name:              req.Name,
		Email:             req.Email,
		ReferenceImageKey: req.ReferenceImageKey,
	}
	if err := ch.Galleries.CreateParticipant(r.Context(), p); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListParticipants accepts an optional ?event_id= filter.
func (ch *ClusterHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	var eventID *uint
	if raw := r.URL.Query().Get("event_id"); raw != "" {
		n := queryInt(r, "event_id")
		if n <= 0 {
			WriteAPIError(w, http.StatusBadRequest, "invalid_query", "event_id must be a positive integer")
			return
		}
		id := uint(n)
		eventID = &id
	}
	participants, err := ch.Galleries.ListParticipants(r.Context(), eventID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

// UploadReference stores the multipart "file" as the participant's reference photo.
func (ch *ClusterHandler) UploadReference(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "participant_id")
	if !ok {
		return
	}
	filename, contentType, data, ok := readUpload(w, r)
	if !ok {
		return
	}
	p, err := ch.Galleries.SetParticipantReference(r.Context(), id, filename, contentType, data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
