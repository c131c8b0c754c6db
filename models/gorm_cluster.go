package models

// FaceCluster groups detected faces believed to be the same person.
// It corresponds to the 'face_clusters' table.
type FaceCluster struct {
	ID                   uint  `gorm:"primaryKey;autoIncrement" json:"id"`
	GalleryID            uint  `gorm:"not null;index" json:"gallery_id"`
	MemberCount          int   `gorm:"not null;default:0" json:"member_count"`
	RepresentativeFaceID *uint `gorm:"" json:"representative_face_id,omitempty"`

	ParticipantID   *uint    `gorm:"index" json:"participant_id,omitempty"`
	MatchConfidence *float32 `gorm:"" json:"match_confidence,omitempty"`
	ManualName      *string  `gorm:"" json:"manual_name,omitempty"`
	ManualEmail     *string  `gorm:"" json:"manual_email,omitempty"`
	IsVerified      bool     `gorm:"not null;default:false" json:"is_verified"`

	ShareStatus string `gorm:"not null;default:pending" json:"share_status"`
	SharedAt    *int64 `gorm:"" json:"shared_at,omitempty"`
	ViewedAt    *int64 `gorm:"" json:"viewed_at,omitempty"`
	ViewCount   int    `gorm:"not null;default:0" json:"view_count"`

	CreatedAt int64 `gorm:"not null" json:"created_at"`
	UpdatedAt int64 `gorm:"not null" json:"updated_at"`

	Participant *Participant `gorm:"foreignKey:ParticipantID;constraint:OnDelete:SET NULL" json:"participant,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (FaceCluster) TableName() string {
	return "face_clusters"
}

// IsAssigned reports whether the cluster carries any identity.
func (c FaceCluster) IsAssigned() bool {
	return c.ParticipantID != nil || (c.ManualName != nil && *c.ManualName != "")
}
