package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/models"
)

// FaceRepository handles database operations for DetectedFace entities
type FaceRepository struct {
	DB *gorm.DB
}

// NewFaceRepository creates a new instance of FaceRepository
func NewFaceRepository(db *gorm.DB) *FaceRepository {
	return &FaceRepository{DB: db}
}

// ListByGallery returns every detected face of a gallery in id order.
func (r *FaceRepository) ListByGallery(ctx context.Context, galleryID uint) ([]models.DetectedFace, error) {
	var faces []models.DetectedFace
	err := r.DB.WithContext(ctx).Where("gallery_id = ?", galleryID).Order("id ASC").Find(&faces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list faces of gallery %d: %w", galleryID, err)
	}
	return faces, nil
}

func (r *FaceRepository) ListByCluster(ctx context.Context, clusterID uint) ([]models.DetectedFace, error) {
	var faces []models.DetectedFace
	err := r.DB.WithContext(ctx).Where("cluster_id = ?", clusterID).Order("similarity DESC, id ASC").Find(&faces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list faces of cluster %d: %w", clusterID, err)
	}
	return faces, nil
}
