package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/progress"
	"github.com/camden-git/eventgallery/realtime"
	"github.com/camden-git/eventgallery/repository"
	"github.com/camden-git/eventgallery/source"
	"github.com/camden-git/eventgallery/workers"
)

// ImportService copies photos from a shared folder into a gallery.
type ImportService struct {
	galleries repository.GalleryRepositoryInterface
	source    source.Source
	progress  progress.Store
	executor  *workers.Executor
	events    realtime.Publisher
	ingester  *ingester
	batch     workers.BatchConfig
}

// ImportOptions configures an ImportService.
type ImportOptions struct {
	Batch workers.BatchConfig
	Now   func() time.Time
}

// NewImportService wires the import flow. src may be nil when no folder
// source is configured; every call then fails with source.ErrNotConfigured.
func NewImportService(gallery *GalleryService, src source.Source, store progress.Store, events realtime.Publisher, opts ImportOptions) *ImportService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if events == nil {
		events = realtime.Discard{}
	}
	return &ImportService{
		galleries: gallery.repos.Galleries,
		source:    src,
		progress:  store,
		executor:  gallery.executor,
		events:    events,
		ingester:  &ingester{images: gallery.repos.Images, storage: gallery.storage, now: opts.Now},
		batch:     opts.Batch,
	}
}

func importJobID(galleryID uint) string {
	return fmt.Sprintf("gallery-%d", galleryID)
}

// FolderPreview lists the importable files of a folder.
type FolderPreview struct {
	FolderID   string        `json:"folder_id"`
	Files      []source.File `json:"files"`
	TotalBytes int64         `json:"total_bytes"`
	Skipped    int           `json:"skipped"`
}

func (s *ImportService) Preview(ctx context.Context, galleryID uint, link string) (*FolderPreview, error) {
	if s.source == nil {
		return nil, source.ErrNotConfigured
	}
	if _, err := s.galleryStatus(ctx, galleryID); err != nil {
		return nil, err
	}
	return s.listFolder(ctx, link)
}

func (s *ImportService) listFolder(ctx context.Context, link string) (*FolderPreview, error) {
	folderID, err := source.ParseFolderID(link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	files, err := s.source.List(ctx, folderID)
	if err != nil {
		return nil, err
	}

	preview := &FolderPreview{FolderID: folderID, Files: make([]source.File, 0, len(files))}
	for _, f := range files {
		if !strings.HasPrefix(f.MimeType, "image/") {
			preview.Skipped++
			continue
		}
		preview.Files = append(preview.Files, f)
		preview.TotalBytes += f.Size
	}
	source.SortNatural(preview.Files)
	return preview, nil
}

// Start validates the request and the folder synchronously, then imports in
// the background. The gallery is uploading until the run ends and then goes
// back to the status it had before.
func (s *ImportService) Start(ctx context.Context, galleryID uint, link string) (progress.Progress, error) {
	if s.source == nil {
		return progress.Progress{}, source.ErrNotConfigured
	}
	status, err := s.galleryStatus(ctx, galleryID)
	if err != nil {
		return progress.Progress{}, err
	}
	if err := s.checkIdle(ctx, galleryID, status); err != nil {
		return progress.Progress{}, err
	}

	preview, err := s.listFolder(ctx, link)
	if err != nil {
		return progress.Progress{}, err
	}
	if len(preview.Files) == 0 {
		return progress.Progress{}, invalidInput("folder %s contains no images", preview.FolderID)
	}

	prior, started, err := s.galleries.BeginImport(ctx, galleryID)
	if err != nil {
		return progress.Progress{}, err
	}
	if !started {
		return progress.Progress{}, s.checkIdle(ctx, galleryID, database.GalleryUploading)
	}

	jobID := importJobID(galleryID)
	if err := s.progress.Start(ctx, jobID, len(preview.Files)); err != nil {
		s.restore(ctx, galleryID, prior)
		return progress.Progress{}, err
	}

	files := preview.Files
	err = s.executor.Submit(importKey(galleryID), func(taskCtx context.Context) {
		s.run(taskCtx, galleryID, prior, files)
	})
	if err != nil {
		s.restore(ctx, galleryID, prior)
		if failErr := s.progress.Fail(ctx, jobID, err.Error()); failErr != nil {
			slog.Warn("failed to record import failure", "gallery_id", galleryID, "error", failErr)
		}
		if errors.Is(err, workers.ErrTaskRunning) {
			return progress.Progress{}, ErrImportInProgress
		}
		return progress.Progress{}, err
	}

	slog.Info("import started", "gallery_id", galleryID, "folder_id", preview.FolderID, "files", len(files))
	snapshot, _, err := s.progress.Get(ctx, jobID)
	if err != nil {
		return progress.Progress{}, err
	}
	return snapshot, nil
}

func (s *ImportService) run(ctx context.Context, galleryID uint, prior string, files []source.File) {
	jobID := importJobID(galleryID)
	defer s.restore(ctx, galleryID, prior)

	res := workers.RunBatch(ctx, s.batch, s.progress, jobID, files, func(ctx context.Context, f source.File) error {
		err := s.importFile(ctx, galleryID, f)
		s.events.Broadcast(realtime.Event{
			Type:      realtime.EventImportProgress,
			GalleryID: galleryID,
			Status:    database.GalleryUploading,
			Total:     len(files),
			Error:     errString(err),
			Extra:     map[string]interface{}{"file": f.Name},
		})
		return err
	})

	status := progress.StatusCompleted
	if res.Cancelled {
		status = progress.StatusCancelled
	}
	s.events.Broadcast(realtime.Event{
		Type:      realtime.EventImportFinished,
		GalleryID: galleryID,
		Status:    status,
		Processed: res.Imported + res.Failed,
		Total:     len(files),
		Extra:     map[string]interface{}{"imported": res.Imported, "failed": res.Failed},
	})
}

func (s *ImportService) importFile(ctx context.Context, galleryID uint, f source.File) error {
	data, err := s.source.Fetch(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", f.Name, err)
	}
	fileID := f.ID
	_, err = s.ingester.ingest(ctx, galleryID, f.Name, f.MimeType, data, &fileID)
	if errors.Is(err, ErrDuplicateImage) {
		slog.Info("skipping image already in gallery", "gallery_id", galleryID, "file", f.Name)
		return nil
	}
	return err
}

// Progress returns the last known state of the gallery's import. When no
// import has been recorded found is false and the value has status idle.
func (s *ImportService) Progress(ctx context.Context, galleryID uint) (progress.Progress, bool, error) {
	if _, err := s.galleryStatus(ctx, galleryID); err != nil {
		return progress.Progress{}, false, err
	}
	jobID := importJobID(galleryID)
	p, found, err := s.progress.Get(ctx, jobID)
	if err != nil {
		return progress.Progress{}, false, err
	}
	if !found {
		return progress.Idle(jobID), false, nil
	}
	return p, true, nil
}

// Cancel asks the running import to stop before its next file.
func (s *ImportService) Cancel(ctx context.Context, galleryID uint) error {
	if _, err := s.galleryStatus(ctx, galleryID); err != nil {
		return err
	}
	ok, err := s.progress.Cancel(ctx, importJobID(galleryID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoActiveImport
	}
	slog.Info("import cancellation requested", "gallery_id", galleryID)
	return nil
}

func (s *ImportService) galleryStatus(ctx context.Context, galleryID uint) (string, error) {
	gallery, err := s.galleries.GetByID(ctx, galleryID)
	if err != nil {
		if isNotFound(err) {
			return "", ErrGalleryNotFound
		}
		return "", err
	}
	return gallery.Status, nil
}

func (s *ImportService) checkIdle(ctx context.Context, galleryID uint, status string) error {
	if s.executor.IsRunning(importKey(galleryID)) || status == database.GalleryUploading {
		return ErrImportInProgress
	}
	if p, found, err := s.progress.Get(ctx, importJobID(galleryID)); err == nil && found && p.Running() {
		return ErrImportInProgress
	}
	if database.IsPipelineRunning(status) || s.executor.IsRunning(processKey(galleryID)) {
		return ErrAlreadyProcessing
	}
	return nil
}

func (s *ImportService) restore(ctx context.Context, galleryID uint, prior string) {
	if err := s.galleries.EndImport(context.WithoutCancel(ctx), galleryID, prior); err != nil {
		slog.Error("failed to restore gallery status after import", "gallery_id", galleryID, "status", prior, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
