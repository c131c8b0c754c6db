package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/models"
)

var (
	// ErrNotPending is returned when an image already left the pending state.
	ErrNotPending = errors.New("image is not pending")
	// ErrDuplicateImage is returned when the same bytes already belong to the gallery.
	ErrDuplicateImage = errors.New("image already exists in gallery")
)

// Page selects a window of a listing. Page is 1-based.
type Page struct {
	Page     int
	PageSize int
}

// Normalized applies the defaults and the page size cap.
func (p Page) Normalized() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 50
	}
	if p.PageSize > 500 {
		p.PageSize = 500
	}
	return p
}

func (p Page) offset() uint64 {
	n := p.Normalized()
	return uint64((n.Page - 1) * n.PageSize)
}

// ClusterDraft is one connected group of faces produced by clustering.
type ClusterDraft struct {
	FaceIDs              []uint
	RepresentativeFaceID uint
	Similarities         map[uint]float32 // face id -> similarity to the representative
}

// ClusterAttachment adds faces to a verified cluster that already exists.
type ClusterAttachment struct {
	ClusterID    uint
	FaceIDs      []uint
	Similarities map[uint]float32
}

// ClusterPlan is the outcome of one clustering pass. Verified clusters are
// kept; Attachments extend them and Drafts become new clusters.
type ClusterPlan struct {
	Drafts      []ClusterDraft
	Attachments []ClusterAttachment
}

// ClusterMatch links a cluster to a participant.
type ClusterMatch struct {
	ClusterID     uint
	ParticipantID uint
	Confidence    float32
}

// ClusterAssignment is an operator decision for one cluster.
type ClusterAssignment struct {
	ParticipantID *uint
	ManualName    *string
	ManualEmail   *string
}

// ImageStatusCounts summarises a gallery's images by detection status.
type ImageStatusCounts struct {
	Pending   int `json:"pending"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// GalleryRepositoryInterface defines the methods for gallery data operations
type GalleryRepositoryInterface interface {
	Create(ctx context.Context, gallery *models.Gallery) error
	GetByID(ctx context.Context, id uint) (*models.Gallery, error)
	List(ctx context.Context) ([]models.Gallery, error)
	Delete(ctx context.Context, id uint) error

	// TryStartProcessing moves an idle gallery into processing and reports
	// whether it did; a gallery owned by a running task is left untouched.
	TryStartProcessing(ctx context.Context, id uint, now int64) (bool, error)
	SetStatus(ctx context.Context, id uint, status string) error
	SetCollectionID(ctx context.Context, id uint, collectionID string) error
	MarkCompleted(ctx context.Context, id uint, now int64) error
	MarkFailed(ctx context.Context, id uint, message string) error

	// BeginImport moves an idle gallery to uploading and returns the status to restore.
	BeginImport(ctx context.Context, id uint) (string, bool, error)
	EndImport(ctx context.Context, id uint, restore string) error

	// ResetDerivedState drops clusters and faces and returns images and
	// gallery to pending in one transaction.
	ResetDerivedState(ctx context.Context, id uint) error
	RecoverInterrupted(ctx context.Context) (failed int64, reverted int64, err error)
}

// ImageRepositoryInterface defines the methods for image data operations
type ImageRepositoryInterface interface {
	AddToGallery(ctx context.Context, image *models.GalleryImage) error
	GetByID(ctx context.Context, id uint) (*models.GalleryImage, error)
	List(ctx context.Context, galleryID uint, status string, page Page) ([]models.GalleryImage, int64, error)
	ListPending(ctx context.Context, galleryID uint) ([]models.GalleryImage, error)
	ListStorageKeys(ctx context.Context, galleryID uint) ([]string, error)
	CountByStatus(ctx context.Context, galleryID uint) (ImageStatusCounts, error)
	SaveDetectionResult(ctx context.Context, image *models.GalleryImage, faces []models.DetectedFace, now int64) error
	MarkFailed(ctx context.Context, imageID uint, message string, now int64) error
}

// FaceRepositoryInterface defines the methods for face data operations
type FaceRepositoryInterface interface {
	ListByGallery(ctx context.Context, galleryID uint) ([]models.DetectedFace, error)
	ListByCluster(ctx context.Context, clusterID uint) ([]models.DetectedFace, error)
}

// ClusterRepositoryInterface defines the methods for cluster data operations
type ClusterRepositoryInterface interface {
	ReplaceClusters(ctx context.Context, galleryID uint, plan ClusterPlan) ([]models.FaceCluster, error)
	ListByGallery(ctx context.Context, galleryID uint, assigned *bool) ([]models.FaceCluster, error)
	GetByID(ctx context.Context, id uint) (*models.FaceCluster, error)
	ApplyMatches(ctx context.Context, galleryID uint, matches []ClusterMatch) (int64, error)
	Assign(ctx context.Context, id uint, a ClusterAssignment) error
	MarkShared(ctx context.Context, id uint, now int64) error
	RecordView(ctx context.Context, id uint, now int64) error
}

// ParticipantRepositoryInterface defines the methods for participant data operations
type ParticipantRepositoryInterface interface {
	Create(ctx context.Context, p *models.Participant) error
	GetByID(ctx context.Context, id uint) (*models.Participant, error)
	List(ctx context.Context, eventID *uint) ([]models.Participant, error)
	ListWithReference(ctx context.Context, eventID *uint) ([]models.Participant, error)
	SetReferenceImage(ctx context.Context, id uint, key string) error
}

// Repositories bundles the repositories the services depend on.
type Repositories struct {
	Galleries    GalleryRepositoryInterface
	Images       ImageRepositoryInterface
	Faces        FaceRepositoryInterface
	Clusters     ClusterRepositoryInterface
	Participants ParticipantRepositoryInterface
}

// New builds gorm-backed repositories over db.
func New(db *gorm.DB) Repositories {
	return Repositories{
		Galleries:    NewGalleryRepository(db),
		Images:       NewImageRepository(db),
		Faces:        NewFaceRepository(db),
		Clusters:     NewClusterRepository(db),
		Participants: NewParticipantRepository(db),
	}
}
