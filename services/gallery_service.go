package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/media"
	"github.com/camden-git/eventgallery/models"
	"github.com/camden-git/eventgallery/progress"
	"github.com/camden-git/eventgallery/recognition"
	"github.com/camden-git/eventgallery/repository"
	"github.com/camden-git/eventgallery/workers"
)

// GalleryOptions configures a GalleryService.
type GalleryOptions struct {
	// Production disables reprocessing.
	Production bool
	PresignTTL time.Duration
	// Progress holds import records; a deleted gallery's record is cleared.
	Progress progress.Store
	Now      func() time.Time
}

// GalleryService is the entry point for gallery, image, processing and
// cluster operations.
type GalleryService struct {
	repos       repository.Repositories
	storage     media.Store
	recognition recognition.Service
	pipeline    *Pipeline
	reset       *ResetController
	executor    *workers.Executor
	ingester    *ingester
	opts        GalleryOptions
}

func NewGalleryService(repos repository.Repositories, storage media.Store, rec recognition.Service, pipeline *Pipeline, executor *workers.Executor, opts GalleryOptions) *GalleryService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &GalleryService{
		repos:       repos,
		storage:     storage,
		recognition: rec,
		pipeline:    pipeline,
		reset:       NewResetController(repos.Galleries, rec),
		executor:    executor,
		ingester:    &ingester{images: repos.Images, storage: storage, now: opts.Now},
		opts:        opts,
	}
}

func processKey(galleryID uint) string { return fmt.Sprintf("process:%d", galleryID) }
func importKey(galleryID uint) string  { return fmt.Sprintf("import:%d", galleryID) }

func (s *GalleryService) CreateGallery(ctx context.Context, name string, eventID *uint) (*models.Gallery, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("gallery name is required")
	}
	gallery := &models.Gallery{Name: name, EventID: eventID, Status: database.GalleryPending}
	if err := s.repos.Galleries.Create(ctx, gallery); err != nil {
		return nil, err
	}
	slog.Info("gallery created", "gallery_id", gallery.ID, "name", name)
	return gallery, nil
}

func (s *GalleryService) ListGalleries(ctx context.Context) ([]models.Gallery, error) {
	return s.repos.Galleries.List(ctx)
}

func (s *GalleryService) GetGallery(ctx context.Context, id uint) (*models.Gallery, error) {
	gallery, err := s.repos.Galleries.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGalleryNotFound
		}
		return nil, err
	}
	return gallery, nil
}

// DeleteGallery removes the rows first, then the stored objects and the face
// collection. Object and collection cleanup failures are logged only.
func (s *GalleryService) DeleteGallery(ctx context.Context, id uint) error {
	if s.executor.IsRunning(processKey(id)) || s.executor.IsRunning(importKey(id)) {
		return ErrAlreadyProcessing
	}
	gallery, err := s.GetGallery(ctx, id)
	if err != nil {
		return err
	}
	keys, err := s.repos.Images.ListStorageKeys(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repos.Galleries.Delete(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGalleryNotFound
		}
		return err
	}

	for _, key := range keys {
		if err := s.storage.Delete(ctx, key); err != nil {
			slog.Warn("failed to delete gallery object", "gallery_id", id, "key", key, "error", err)
		}
	}
	if gallery.CollectionID != nil && *gallery.CollectionID != "" {
		if err := s.recognition.DeleteCollection(ctx, *gallery.CollectionID); err != nil && !errors.Is(err, recognition.ErrCollectionNotFound) {
			slog.Warn("failed to delete face collection", "gallery_id", id, "collection_id", *gallery.CollectionID, "error", err)
		}
	}
	if s.opts.Progress != nil {
		if err := s.opts.Progress.Clear(ctx, importJobID(id)); err != nil {
			slog.Warn("failed to clear import progress", "gallery_id", id, "error", err)
		}
	}
	slog.Info("gallery deleted", "gallery_id", id, "objects", len(keys))
	return nil
}

// ImagePage is one page of a gallery's images.
type ImagePage struct {
	Images   []models.GalleryImage `json:"images"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

func (s *GalleryService) ListImages(ctx context.Context, galleryID uint, status string, page repository.Page) (*ImagePage, error) {
	switch status {
	case "", database.ImagePending, database.ImageProcessed, database.ImageFailed:
	default:
		return nil, invalidInput("unknown image status %q", status)
	}
	if _, err := s.GetGallery(ctx, galleryID); err != nil {
		return nil, err
	}
	images, total, err := s.repos.Images.List(ctx, galleryID, status, page)
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = []models.GalleryImage{}
	}
	page = page.Normalized()
	return &ImagePage{Images: images, Total: total, Page: page.Page, PageSize: page.PageSize}, nil
}

// UploadSlot is a presigned location a client PUTs one image to.
type UploadSlot struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *GalleryService) RequestUploadSlot(ctx context.Context, galleryID uint, filename, contentType string) (*UploadSlot, error) {
	contentType = media.ContentTypeFor(contentType, filename)
	if !media.IsSupportedContentType(contentType) {
		return nil, invalidInput("unsupported content type %q", contentType)
	}
	if _, err := s.GetGallery(ctx, galleryID); err != nil {
		return nil, err
	}
	key, err := media.UploadKey(galleryID, contentType)
	if err != nil {
		return nil, err
	}
	url, err := s.storage.PresignPut(ctx, key, contentType)
	if err != nil {
		return nil, err
	}
	return &UploadSlot{Key: key, URL: url, Method: "PUT", ExpiresIn: int(s.opts.PresignTTL.Seconds())}, nil
}

// ConfirmUpload records an object uploaded through a slot.
func (s *GalleryService) ConfirmUpload(ctx context.Context, galleryID uint, key, originalName string) (*models.GalleryImage, error) {
	if !strings.HasPrefix(key, media.GalleryPrefix(galleryID)+"uploads/") || strings.Contains(key, "..") {
		return nil, invalidInput("key %q does not belong to gallery %d", key, galleryID)
	}
	if _, err := s.GetGallery(ctx, galleryID); err != nil {
		return nil, err
	}
	info, err := s.storage.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, media.ErrObjectNotFound) {
			return nil, invalidInput("nothing was uploaded to %q", key)
		}
		return nil, err
	}
	data, err := media.ReadObject(ctx, s.storage, key)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(originalName) == "" {
		originalName = key[strings.LastIndex(key, "/")+1:]
	}
	contentType := media.ContentTypeFor(info.ContentType, key)

	meta := media.ExtractMetadata(data)
	image := &models.GalleryImage{
		GalleryID:    galleryID,
		StorageKey:   key,
		OriginalName: originalName,
		ContentType:  contentType,
		SizeBytes:    info.Size,
		ContentHash:  media.ContentHash(data),
		TakenAt:      meta.TakenAt,
		CreatedAt:    s.opts.Now().Unix(),
	}
	if err := s.repos.Images.AddToGallery(ctx, image); err != nil {
		if errors.Is(err, repository.ErrDuplicateImage) {
			if delErr := s.storage.Delete(ctx, key); delErr != nil {
				slog.Warn("failed to remove duplicate upload", "key", key, "error", delErr)
			}
			return nil, ErrDuplicateImage
		}
		return nil, err
	}
	return image, nil
}

// UploadImage stores bytes sent directly to the server.
func (s *GalleryService) UploadImage(ctx context.Context, galleryID uint, filename, contentType string, data []byte) (*models.GalleryImage, error) {
	if _, err := s.GetGallery(ctx, galleryID); err != nil {
		return nil, err
	}
	return s.ingester.ingest(ctx, galleryID, filename, contentType, data, nil)
}

// ImageURL returns a URL the client can read the image from.
func (s *GalleryService) ImageURL(ctx context.Context, imageID uint) (string, error) {
	image, err := s.repos.Images.GetByID(ctx, imageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrImageNotFound
		}
		return "", err
	}
	return s.storage.URL(ctx, image.StorageKey)
}

// StartProcessing claims the gallery and runs the pipeline in the background.
// A gallery with a live run or import is rejected untouched.
func (s *GalleryService) StartProcessing(ctx context.Context, galleryID uint) error {
	gallery, err := s.GetGallery(ctx, galleryID)
	if err != nil {
		return err
	}
	if s.executor.IsRunning(processKey(galleryID)) {
		return ErrAlreadyProcessing
	}

	claimed, err := s.repos.Galleries.TryStartProcessing(ctx, galleryID, s.opts.Now().Unix())
	if err != nil {
		return err
	}
	if !claimed {
		if gallery.Status == database.GalleryUploading {
			return ErrImportInProgress
		}
		return ErrAlreadyProcessing
	}

	err = s.executor.Submit(processKey(galleryID), func(taskCtx context.Context) {
		_ = s.pipeline.Run(taskCtx, galleryID)
	})
	if err != nil {
		slog.Error("failed to schedule processing", "gallery_id", galleryID, "error", err)
		if markErr := s.repos.Galleries.MarkFailed(ctx, galleryID, "could not schedule processing: "+err.Error()); markErr != nil {
			slog.Error("failed to release gallery", "gallery_id", galleryID, "error", markErr)
		}
		if errors.Is(err, workers.ErrTaskRunning) {
			return ErrAlreadyProcessing
		}
		return err
	}
	slog.Info("processing scheduled", "gallery_id", galleryID)
	return nil
}

// ProcessingStatus is the pollable view of a gallery's processing run.
type ProcessingStatus struct {
	GalleryID             uint                         `json:"gallery_id"`
	Status                string                       `json:"status"`
	TotalImages           int                          `json:"total_images"`
	ProcessedImages       int                          `json:"processed_images"`
	TotalFaces            int                          `json:"total_faces"`
	TotalClusters         int                          `json:"total_clusters"`
	Images                repository.ImageStatusCounts `json:"images"`
	ProgressPercent       float64                      `json:"progress_percent"`
	IsRunning             bool                         `json:"is_running"`
	LastError             *string                      `json:"last_error,omitempty"`
	ProcessingStartedAt   *int64                       `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *int64                       `json:"processing_completed_at,omitempty"`
}

func (s *GalleryService) ProcessingStatus(ctx context.Context, galleryID uint) (*ProcessingStatus, error) {
	gallery, err := s.GetGallery(ctx, galleryID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repos.Images.CountByStatus(ctx, galleryID)
	if err != nil {
		return nil, err
	}
	status := &ProcessingStatus{
		GalleryID:             gallery.ID,
		Status:                gallery.Status,
		TotalImages:           gallery.TotalImages,
		ProcessedImages:       gallery.ProcessedImages,
		TotalFaces:            gallery.TotalFaces,
		TotalClusters:         gallery.TotalClusters,
		Images:                counts,
		IsRunning:             s.executor.IsRunning(processKey(galleryID)),
		LastError:             gallery.LastError,
		ProcessingStartedAt:   gallery.ProcessingStartedAt,
		ProcessingCompletedAt: gallery.ProcessingCompletedAt,
	}
	if gallery.TotalImages > 0 {
		status.ProgressPercent = float64(gallery.ProcessedImages) / float64(gallery.TotalImages) * 100
	}
	return status, nil
}

// Reprocess resets the gallery and starts a fresh run. It refuses while a
// run or import is live, and always in production.
func (s *GalleryService) Reprocess(ctx context.Context, galleryID uint) error {
	if s.opts.Production {
		return ErrReprocessDisabled
	}
	if _, err := s.GetGallery(ctx, galleryID); err != nil {
		return err
	}
	if s.executor.IsRunning(processKey(galleryID)) {
		return ErrAlreadyProcessing
	}
	if s.executor.IsRunning(importKey(galleryID)) {
		return ErrImportInProgress
	}
	if err := s.reset.Reset(ctx, galleryID); err != nil {
		return err
	}
	return s.StartProcessing(ctx, galleryID)
}

// RecoverInterrupted fails runs and releases imports that a previous process
// left behind. Call once at startup, before accepting requests.
func (s *GalleryService) RecoverInterrupted(ctx context.Context) error {
	failed, reverted, err := s.repos.Galleries.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if failed > 0 || reverted > 0 {
		slog.Warn("recovered interrupted galleries", "failed_runs", failed, "released_imports", reverted)
	}
	return nil
}

// ClusterDetail is a cluster with its member faces.
type ClusterDetail struct {
	models.FaceCluster
	Faces []models.DetectedFace `json:"faces"`
}

func (s *GalleryService) ListClusters(ctx context.Context, galleryID uint, assigned *bool) ([]models.FaceCluster, error) {
	if _, err := s.GetGallery(ctx, galleryID); err != nil {
		return nil, err
	}
	clusters, err := s.repos.Clusters.ListByGallery(ctx, galleryID, assigned)
	if err != nil {
		return nil, err
	}
	if clusters == nil {
		clusters = []models.FaceCluster{}
	}
	return clusters, nil
}

func (s *GalleryService) GetCluster(ctx context.Context, clusterID uint) (*ClusterDetail, error) {
	cluster, err := s.repos.Clusters.GetByID(ctx, clusterID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClusterNotFound
		}
		return nil, err
	}
	faces, err := s.repos.Faces.ListByCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return &ClusterDetail{FaceCluster: *cluster, Faces: faces}, nil
}

// AssignCluster links a cluster to a participant or a manually entered
// identity. An empty assignment clears it.
func (s *GalleryService) AssignCluster(ctx context.Context, clusterID uint, a repository.ClusterAssignment) (*ClusterDetail, error) {
	if a.ManualName != nil {
		trimmed := strings.TrimSpace(*a.ManualName)
		if trimmed == "" {
			a.ManualName = nil
		} else {
			a.ManualName = &trimmed
		}
	}
	if a.ParticipantID != nil && a.ManualName != nil {
		return nil, invalidInput("assign either a participant or a manual name, not both")
	}
	if a.ManualName == nil && a.ManualEmail != nil {
		return nil, invalidInput("manual email requires a manual name")
	}
	if a.ParticipantID != nil {
		if _, err := s.repos.Participants.GetByID(ctx, *a.ParticipantID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrParticipantNotFound
			}
			return nil, err
		}
	}
	if err := s.repos.Clusters.Assign(ctx, clusterID, a); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClusterNotFound
		}
		return nil, err
	}
	slog.Info("cluster assigned", "cluster_id", clusterID, "participant_id", a.ParticipantID, "manual", a.ManualName != nil)
	return s.GetCluster(ctx, clusterID)
}

func (s *GalleryService) ShareCluster(ctx context.Context, clusterID uint) error {
	err := s.repos.Clusters.MarkShared(ctx, clusterID, s.opts.Now().Unix())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrClusterNotFound
	}
	return err
}

func (s *GalleryService) RecordClusterView(ctx context.Context, clusterID uint) error {
	err := s.repos.Clusters.RecordView(ctx, clusterID, s.opts.Now().Unix())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrClusterNotFound
	}
	return err
}

func (s *GalleryService) CreateParticipant(ctx context.Context, p *models.Participant) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return invalidInput("participant name is required")
	}
	if p.ReferenceImageKey != nil {
		if _, err := s.storage.Stat(ctx, *p.ReferenceImageKey); err != nil {
			if errors.Is(err, media.ErrObjectNotFound) {
				return invalidInput("reference image %q does not exist", *p.ReferenceImageKey)
			}
			return err
		}
	}
	return s.repos.Participants.Create(ctx, p)
}

func (s *GalleryService) ListParticipants(ctx context.Context, eventID *uint) ([]models.Participant, error) {
	participants, err := s.repos.Participants.List(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if participants == nil {
		participants = []models.Participant{}
	}
	return participants, nil
}

// SetParticipantReference stores a reference photo used for matching.
func (s *GalleryService) SetParticipantReference(ctx context.Context, participantID uint, filename, contentType string, data []byte) (*models.Participant, error) {
	contentType = media.ContentTypeFor(contentType, filename)
	if !media.IsSupportedContentType(contentType) {
		return nil, invalidInput("unsupported content type %q", contentType)
	}
	if len(data) == 0 {
		return nil, invalidInput("empty reference photo")
	}
	if _, err := s.repos.Participants.GetByID(ctx, participantID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	key := media.ParticipantKey(participantID, media.ContentHash(data), contentType)
	if err := s.storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("failed to store reference photo: %w", err)
	}
	if err := s.repos.Participants.SetReferenceImage(ctx, participantID, key); err != nil {
		return nil, err
	}
	return s.repos.Participants.GetByID(ctx, participantID)
}
