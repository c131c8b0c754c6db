package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/models"
)

const interruptedMessage = "processing interrupted by server restart"

// GalleryRepository handles database operations for Gallery entities
type GalleryRepository struct {
	DB *gorm.DB
}

// NewGalleryRepository creates a new instance of GalleryRepository
func NewGalleryRepository(db *gorm.DB) *GalleryRepository {
	return &GalleryRepository{DB: db}
}

func (r *GalleryRepository) Create(ctx context.Context, gallery *models.Gallery) error {
	if gallery.Status == "" {
		gallery.Status = database.GalleryPending
	}
	if err := r.DB.WithContext(ctx).Create(gallery).Error; err != nil {
		return fmt.Errorf("failed to create gallery %q: %w", gallery.Name, err)
	}
	return nil
}

// GetByID passes gorm.ErrRecordNotFound through unwrapped.
func (r *GalleryRepository) GetByID(ctx context.Context, id uint) (*models.Gallery, error) {
	var gallery models.Gallery
	err := r.DB.WithContext(ctx).First(&gallery, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get gallery %d: %w", id, err)
	}
	return &gallery, nil
}

func (r *GalleryRepository) List(ctx context.Context) ([]models.Gallery, error) {
	var galleries []models.Gallery
	if err := r.DB.WithContext(ctx).Order("created_at DESC, id DESC").Find(&galleries).Error; err != nil {
		return nil, fmt.Errorf("failed to list galleries: %w", err)
	}
	return galleries, nil
}

// Delete removes a gallery and everything derived from it, children first.
func (r *GalleryRepository) Delete(ctx context.Context, id uint) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("gallery_id = ?", id).Delete(&models.FaceCluster{}).Error; err != nil {
			return fmt.Errorf("failed to delete clusters of gallery %d: %w", id, err)
		}
		if err := tx.Where("gallery_id = ?", id).Delete(&models.DetectedFace{}).Error; err != nil {
			return fmt.Errorf("failed to delete faces of gallery %d: %w", id, err)
		}
		if err := tx.Where("gallery_id = ?", id).Delete(&models.GalleryImage{}).Error; err != nil {
			return fmt.Errorf("failed to delete images of gallery %d: %w", id, err)
		}
		result := tx.Delete(&models.Gallery{}, id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete gallery %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *GalleryRepository) TryStartProcessing(ctx context.Context, id uint, now int64) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.Gallery{}).
		Where("id = ? AND status NOT IN ?", id, database.ActiveGalleryStatuses).
		Updates(map[string]interface{}{
			"status":                  database.GalleryProcessing,
			"processing_started_at":   now,
			"processing_completed_at": nil,
			"last_error":              nil,
			"updated_at":              now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to start processing for gallery %d: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GalleryRepository) SetStatus(ctx context.Context, id uint, status string) error {
	err := r.DB.WithContext(ctx).Model(&models.Gallery{}).Where("id = ?", id).Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to set gallery %d status to %s: %w", id, status, err)
	}
	return nil
}

func (r *GalleryRepository) SetCollectionID(ctx context.Context, id uint, collectionID string) error {
	err := r.DB.WithContext(ctx).Model(&models.Gallery{}).Where("id = ?", id).Update("collection_id", collectionID).Error
	if err != nil {
		return fmt.Errorf("failed to store collection for gallery %d: %w", id, err)
	}
	return nil
}

func (r *GalleryRepository) MarkCompleted(ctx context.Context, id uint, now int64) error {
	err := r.DB.WithContext(ctx).Model(&models.Gallery{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                  database.GalleryCompleted,
		"processing_completed_at": now,
		"last_error":              nil,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to mark gallery %d completed: %w", id, err)
	}
	return nil
}

// MarkFailed records a fatal error; processing_completed_at stays unset.
func (r *GalleryRepository) MarkFailed(ctx context.Context, id uint, message string) error {
	err := r.DB.WithContext(ctx).Model(&models.Gallery{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                  database.GalleryFailed,
		"last_error":              message,
		"processing_completed_at": nil,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to mark gallery %d failed: %w", id, err)
	}
	return nil
}

func (r *GalleryRepository) BeginImport(ctx context.Context, id uint) (string, bool, error) {
	var prior string
	var started bool
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gallery models.Gallery
		if err := tx.Select("id", "status").First(&gallery, id).Error; err != nil {
			return err
		}
		prior = gallery.Status
		result := tx.Model(&models.Gallery{}).
			Where("id = ? AND status = ? AND status NOT IN ?", id, prior, database.ActiveGalleryStatuses).
			Update("status", database.GalleryUploading)
		if result.Error != nil {
			return result.Error
		}
		started = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, err
		}
		return "", false, fmt.Errorf("failed to begin import for gallery %d: %w", id, err)
	}
	return prior, started, nil
}

func (r *GalleryRepository) EndImport(ctx context.Context, id uint, restore string) error {
	err := r.DB.WithContext(ctx).Model(&models.Gallery{}).
		Where("id = ? AND status = ?", id, database.GalleryUploading).
		Update("status", restore).Error
	if err != nil {
		return fmt.Errorf("failed to end import for gallery %d: %w", id, err)
	}
	return nil
}

func (r *GalleryRepository) ResetDerivedState(ctx context.Context, id uint) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gallery models.Gallery
		if err := tx.Select("id").First(&gallery, id).Error; err != nil {
			return err
		}
		if err := tx.Where("gallery_id = ?", id).Delete(&models.FaceCluster{}).Error; err != nil {
			return fmt.Errorf("failed to delete clusters of gallery %d: %w", id, err)
		}
		if err := tx.Where("gallery_id = ?", id).Delete(&models.DetectedFace{}).Error; err != nil {
			return fmt.Errorf("failed to delete faces of gallery %d: %w", id, err)
		}
		err := tx.Model(&models.GalleryImage{}).Where("gallery_id = ?", id).Updates(map[string]interface{}{
			"status":        database.ImagePending,
			"face_count":    0,
			"processed_at":  nil,
			"error_message": nil,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to reset images of gallery %d: %w", id, err)
		}
		err = tx.Model(&models.Gallery{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":                  database.GalleryPending,
			"processed_images":        0,
			"total_faces":             0,
			"total_clusters":          0,
			"collection_id":           nil,
			"last_error":              nil,
			"processing_started_at":   nil,
			"processing_completed_at": nil,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to reset gallery %d: %w", id, err)
		}
		return nil
	})
}

func (r *GalleryRepository) RecoverInterrupted(ctx context.Context) (int64, int64, error) {
	var failed, reverted int64
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Gallery{}).
			Where("status IN ?", database.RunningPipelineStatuses).
			Updates(map[string]interface{}{
				"status":     database.GalleryFailed,
				"last_error": interruptedMessage,
			})
		if result.Error != nil {
			return result.Error
		}
		failed = result.RowsAffected

		result = tx.Model(&models.Gallery{}).
			Where("status = ?", database.GalleryUploading).
			Update("status", database.GalleryPending)
		if result.Error != nil {
			return result.Error
		}
		reverted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to recover interrupted galleries: %w", err)
	}
	return failed, reverted, nil
}
