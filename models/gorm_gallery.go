package models

// Gallery is one unit of ingestion and face processing for an event.
// It corresponds to the 'galleries' table.
type Gallery struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name    string `gorm:"not null" json:"name"`
	EventID *uint  `gorm:"index" json:"event_id,omitempty"` // registration system event, nullable

	Status          string `gorm:"not null;default:pending;index" json:"status"`
	TotalImages     int    `gorm:"not null;default:0" json:"total_images"`
	ProcessedImages int    `gorm:"not null;default:0" json:"processed_images"`
	TotalFaces      int    `gorm:"not null;default:0" json:"total_faces"`
	TotalClusters   int    `gorm:"not null;default:0" json:"total_clusters"`

	CollectionID *string `gorm:"" json:"collection_id,omitempty"` // remote face collection owned by this gallery
	LastError    *string `gorm:"" json:"last_error,omitempty"`

	ProcessingStartedAt   *int64 `gorm:"" json:"processing_started_at,omitempty"`   // Unix timestamp
	ProcessingCompletedAt *int64 `gorm:"" json:"processing_completed_at,omitempty"` // Unix timestamp, nil on failure
	CreatedAt             int64  `gorm:"not null" json:"created_at"`
	UpdatedAt             int64  `gorm:"not null" json:"updated_at"`

	Images   []GalleryImage `gorm:"foreignKey:GalleryID;constraint:OnDelete:CASCADE" json:"-"`
	Clusters []FaceCluster  `gorm:"foreignKey:GalleryID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName explicitly sets the table name for GORM.
func (Gallery) TableName() string {
	return "galleries"
}
