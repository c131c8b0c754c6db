package models

// GalleryImage is one uploaded or imported photo of a gallery.
// It corresponds to the 'gallery_images' table.
type GalleryImage struct {
	ID           uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	GalleryID    uint    `gorm:"not null;index" json:"gallery_id"`
	StorageKey   string  `gorm:"not null" json:"storage_key"` // object store key
	OriginalName string  `gorm:"not null" json:"original_name"`
	ContentType  string  `gorm:"not null" json:"content_type"`
	SizeBytes    int64   `gorm:"not null;default:0" json:"size_bytes"`
	ContentHash  string  `gorm:"index" json:"content_hash"`
	SourceFileID *string `gorm:"index" json:"source_file_id,omitempty"` // bulk source file id, nullable
	TakenAt      *int64  `gorm:"" json:"taken_at,omitempty"`            // Unix timestamp from EXIF

	Status       string  `gorm:"not null;default:pending;index" json:"status"`
	FaceCount    int     `gorm:"not null;default:0" json:"face_count"`
	ProcessedAt  *int64  `gorm:"" json:"processed_at,omitempty"`
	ErrorMessage *string `gorm:"" json:"error_message,omitempty"`
	CreatedAt    int64   `gorm:"not null" json:"created_at"`

	Faces []DetectedFace `gorm:"foreignKey:ImageID;constraint:OnDelete:CASCADE" json:"faces,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (GalleryImage) TableName() string {
	return "gallery_images"
}
