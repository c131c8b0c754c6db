package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/camden-git/eventgallery/media"
	"github.com/camden-git/eventgallery/models"
	"github.com/camden-git/eventgallery/repository"
)

// ingester stores image bytes under a content-addressed key and records
// them as a pending gallery image.
type ingester struct {
	images  repository.ImageRepositoryInterface
	storage media.Store
	now     func() time.Time
}

func (in *ingester) ingest(ctx context.Context, galleryID uint, name, contentType string, data []byte, sourceFileID *string) (*models.GalleryImage, error) {
	contentType = media.ContentTypeFor(contentType, name)
	if !media.IsSupportedContentType(contentType) {
		return nil, invalidInput("unsupported content type %q for %s", contentType, name)
	}
	if len(data) == 0 {
		return nil, invalidInput("empty file %s", name)
	}

	hash := media.ContentHash(data)
	key := media.ObjectKey(galleryID, hash, contentType)
	if err := in.storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", name, err)
	}

	meta := media.ExtractMetadata(data)
	image := &models.GalleryImage{
		GalleryID:    galleryID,
		StorageKey:   key,
		OriginalName: name,
		ContentType:  contentType,
		SizeBytes:    int64(len(data)),
		ContentHash:  hash,
		SourceFileID: sourceFileID,
		TakenAt:      meta.TakenAt,
		CreatedAt:    in.now().Unix(),
	}
	if err := in.images.AddToGallery(ctx, image); err != nil {
		if errors.Is(err, repository.ErrDuplicateImage) {
			// the existing row owns the same key
			return nil, ErrDuplicateImage
		}
		if delErr := in.storage.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			slog.Warn("failed to remove orphaned object", "key", key, "error", delErr)
		}
		return nil, err
	}
	return image, nil
}
