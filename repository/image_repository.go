package repository

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/models"
)

// gorm rewrites the ? placeholders for the active dialect
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// ImageRepository handles database operations for GalleryImage entities
type ImageRepository struct {
	DB *gorm.DB
}

// NewImageRepository creates a new instance of ImageRepository
func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{DB: db}
}

// AddToGallery inserts the image and bumps the gallery's image count together.
// Bytes already present in the gallery yield ErrDuplicateImage.
func (r *ImageRepository) AddToGallery(ctx context.Context, image *models.GalleryImage) error {
	if image.Status == "" {
		image.Status = database.ImagePending
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if image.ContentHash != "" {
			var existing int64
			err := tx.Model(&models.GalleryImage{}).
				Where("gallery_id = ? AND content_hash = ?", image.GalleryID, image.ContentHash).
				Count(&existing).Error
			if err != nil {
				return fmt.Errorf("failed to check for duplicate image: %w", err)
			}
			if existing > 0 {
				return ErrDuplicateImage
			}
		}
		if err := tx.Create(image).Error; err != nil {
			return fmt.Errorf("failed to insert image %q: %w", image.OriginalName, err)
		}
		result := tx.Model(&models.Gallery{}).Where("id = ?", image.GalleryID).
			Update("total_images", gorm.Expr("total_images + 1"))
		if result.Error != nil {
			return fmt.Errorf("failed to count image in gallery %d: %w", image.GalleryID, result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *ImageRepository) GetByID(ctx context.Context, id uint) (*models.GalleryImage, error) {
	var image models.GalleryImage
	err := r.DB.WithContext(ctx).First(&image, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get image %d: %w", id, err)
	}
	return &image, nil
}

// List returns one page of a gallery's images, optionally filtered by status,
// together with the unpaged total.
func (r *ImageRepository) List(ctx context.Context, galleryID uint, status string, page Page) ([]models.GalleryImage, int64, error) {
	page = page.Normalized()
	where := sq.And{sq.Eq{"gallery_id": galleryID}}
	if status != "" {
		where = append(where, sq.Eq{"status": status})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("gallery_images").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build SQL query for image count: %w", err)
	}
	var total int64
	if err := r.DB.WithContext(ctx).Raw(countSQL, countArgs...).Scan(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count images of gallery %d: %w", galleryID, err)
	}

	listSQL, listArgs, err := psql.Select("*").From("gallery_images").Where(where).
		OrderBy("id ASC").
		Limit(uint64(page.PageSize)).
		Offset(page.offset()).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build SQL query for image list: %w", err)
	}
	var images []models.GalleryImage
	if err := r.DB.WithContext(ctx).Raw(listSQL, listArgs...).Scan(&images).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list images of gallery %d: %w", galleryID, err)
	}
	return images, total, nil
}

// ListPending returns images still awaiting detection in insertion order.
func (r *ImageRepository) ListPending(ctx context.Context, galleryID uint) ([]models.GalleryImage, error) {
	var images []models.GalleryImage
	err := r.DB.WithContext(ctx).
		Where("gallery_id = ? AND status = ?", galleryID, database.ImagePending).
		Order("id ASC").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending images of gallery %d: %w", galleryID, err)
	}
	return images, nil
}

func (r *ImageRepository) ListStorageKeys(ctx context.Context, galleryID uint) ([]string, error) {
	var keys []string
	err := r.DB.WithContext(ctx).Model(&models.GalleryImage{}).
		Where("gallery_id = ?", galleryID).
		Pluck("storage_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list storage keys of gallery %d: %w", galleryID, err)
	}
	return keys, nil
}

func (r *ImageRepository) CountByStatus(ctx context.Context, galleryID uint) (ImageStatusCounts, error) {
	query, args, err := psql.Select("status", "COUNT(*) AS n").
		From("gallery_images").
		Where(sq.Eq{"gallery_id": galleryID}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return ImageStatusCounts{}, fmt.Errorf("failed to build SQL query for status counts: %w", err)
	}
	var rows []struct {
		Status string
		N      int
	}
	if err := r.DB.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return ImageStatusCounts{}, fmt.Errorf("failed to count image statuses of gallery %d: %w", galleryID, err)
	}

	var counts ImageStatusCounts
	for _, row := range rows {
		switch row.Status {
		case database.ImagePending:
			counts.Pending = row.N
		case database.ImageProcessed:
			counts.Processed = row.N
		case database.ImageFailed:
			counts.Failed = row.N
		}
	}
	return counts, nil
}

// SaveDetectionResult stores the faces of one image, marks it processed and
// advances the gallery counters in a single transaction. An image that is no
// longer pending is left alone and ErrNotPending is returned.
func (r *ImageRepository) SaveDetectionResult(ctx context.Context, image *models.GalleryImage, faces []models.DetectedFace, now int64) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.GalleryImage{}).
			Where("id = ? AND status = ?", image.ID, database.ImagePending).
			Updates(map[string]interface{}{
				"status":        database.ImageProcessed,
				"face_count":    len(faces),
				"processed_at":  now,
				"error_message": nil,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to mark image %d processed: %w", image.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotPending
		}

		if len(faces) > 0 {
			for i := range faces {
				faces[i].ImageID = image.ID
				faces[i].GalleryID = image.GalleryID
				faces[i].CreatedAt = now
			}
			if err := tx.CreateInBatches(faces, 100).Error; err != nil {
				return fmt.Errorf("failed to insert faces for image %d: %w", image.ID, err)
			}
		}

		err := tx.Model(&models.Gallery{}).Where("id = ?", image.GalleryID).Updates(map[string]interface{}{
			"processed_images": gorm.Expr("processed_images + 1"),
			"total_faces":      gorm.Expr("total_faces + ?", len(faces)),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to advance counters of gallery %d: %w", image.GalleryID, err)
		}
		return nil
	})
}

func (r *ImageRepository) MarkFailed(ctx context.Context, imageID uint, message string, now int64) error {
	err := r.DB.WithContext(ctx).Model(&models.GalleryImage{}).
		Where("id = ? AND status = ?", imageID, database.ImagePending).
		Updates(map[string]interface{}{
			"status":        database.ImageFailed,
			"error_message": message,
			"processed_at":  now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark image %d failed: %w", imageID, err)
	}
	return nil
}
