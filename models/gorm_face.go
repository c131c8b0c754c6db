package models

// DetectedFace is one face found in a gallery image by the recognition service.
// It corresponds to the 'detected_faces' table.
type DetectedFace struct {
	ID             uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ImageID        uint   `gorm:"not null;index" json:"image_id"`
	GalleryID      uint   `gorm:"not null;index" json:"gallery_id"`
	ExternalFaceID string `gorm:"not null;uniqueIndex" json:"external_face_id"` // face id inside the collection

	// bounding box as ratios of the image size
	Left   float32 `gorm:"not null" json:"left"`
	Top    float32 `gorm:"not null" json:"top"`
	Width  float32 `gorm:"not null" json:"width"`
	Height float32 `gorm:"not null" json:"height"`

	Confidence float32  `gorm:"not null" json:"confidence"`
	ClusterID  *uint    `gorm:"index" json:"cluster_id,omitempty"`
	Similarity *float32 `gorm:"" json:"similarity,omitempty"` // to the cluster representative
	CreatedAt  int64    `gorm:"not null" json:"created_at"`
}

// TableName explicitly sets the table name for GORM.
func (DetectedFace) TableName() string {
	return "detected_faces"
}
