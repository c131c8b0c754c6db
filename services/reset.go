package services

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/recognition"
	"github.com/camden-git/eventgallery/repository"
)

// ResetController discards everything derived from a gallery's images so
// processing can start over.
type ResetController struct {
	galleries   repository.GalleryRepositoryInterface
	recognition recognition.Service
}

func NewResetController(galleries repository.GalleryRepositoryInterface, rec recognition.Service) *ResetController {
	return &ResetController{galleries: galleries, recognition: rec}
}

// Reset deletes the remote collection, if any, then clears clusters, faces,
// image outcomes and gallery counters in one transaction. A collection that
// cannot be deleted is logged and forgotten.
func (c *ResetController) Reset(ctx context.Context, galleryID uint) error {
	gallery, err := c.galleries.GetByID(ctx, galleryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGalleryNotFound
		}
		return err
	}

	if gallery.CollectionID != nil && *gallery.CollectionID != "" {
		collectionID := *gallery.CollectionID
		err := c.recognition.DeleteCollection(ctx, collectionID)
		switch {
		case err == nil:
			slog.Info("face collection deleted", "gallery_id", galleryID, "collection_id", collectionID)
		case errors.Is(err, recognition.ErrCollectionNotFound):
			slog.Info("face collection already gone", "gallery_id", galleryID, "collection_id", collectionID)
		default:
			slog.Warn("failed to delete face collection, continuing reset", "gallery_id", galleryID,
				"collection_id", collectionID, "error", err)
		}
	}

	if err := c.galleries.ResetDerivedState(ctx, galleryID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGalleryNotFound
		}
		return err
	}
	slog.Info("gallery reset to pending", "gallery_id", galleryID, "previous_status", gallery.Status)
	return nil
}
