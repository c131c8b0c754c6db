package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/models"
)

// ParticipantRepository handles database operations for Participant entities
type ParticipantRepository struct {
	DB *gorm.DB
}

// NewParticipantRepository creates a new instance of ParticipantRepository
func NewParticipantRepository(db *gorm.DB) *ParticipantRepository {
	return &ParticipantRepository{DB: db}
}

func (r *ParticipantRepository) Create(ctx context.Context, p *models.Participant) error {
	if err := r.DB.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to create participant %q: %w", p.Name, err)
	}
	return nil
}

func (r *ParticipantRepository) GetByID(ctx context.Context, id uint) (*models.Participant, error) {
	var p models.Participant
	err := r.DB.WithContext(ctx).First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get participant %d: %w", id, err)
	}
	return &p, nil
}

// List returns the participants of an event, or all of them when eventID is nil.
func (r *ParticipantRepository) List(ctx context.Context, eventID *uint) ([]models.Participant, error) {
	var participants []models.Participant
	q := r.DB.WithContext(ctx).Order("name ASC, id ASC")
	if eventID != nil {
		q = q.Where("event_id = ?", *eventID)
	}
	if err := q.Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

// ListWithReference is List restricted to participants that have a reference photo.
func (r *ParticipantRepository) ListWithReference(ctx context.Context, eventID *uint) ([]models.Participant, error) {
	var participants []models.Participant
	q := r.DB.WithContext(ctx).
		Where("reference_image_key IS NOT NULL AND reference_image_key <> ''").
		Order("id ASC")
	if eventID != nil {
		q = q.Where("event_id = ?", *eventID)
	}
	if err := q.Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("failed to list participants with reference photos: %w", err)
	}
	return participants, nil
}

func (r *ParticipantRepository) SetReferenceImage(ctx context.Context, id uint, key string) error {
	result := r.DB.WithContext(ctx).Model(&models.Participant{}).Where("id = ?", id).Update("reference_image_key", key)
	if result.Error != nil {
		return fmt.Errorf("failed to set reference image of participant %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
