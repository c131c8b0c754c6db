package models

// Participant mirrors a registered attendee that clusters can be matched to.
// It corresponds to the 'participants' table.
type Participant struct {
	ID                uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID           *uint   `gorm:"index" json:"event_id,omitempty"`
	ExternalRef       string  `gorm:"index" json:"external_ref"` // id in the registration system
	Name              string  `gorm:"not null" json:"name"`
	Email             string  `gorm:"" json:"email"`
	ReferenceImageKey *string `gorm:"" json:"reference_image_key,omitempty"` // object store key of the reference photo
	CreatedAt         int64   `gorm:"not null" json:"created_at"`
	UpdatedAt         int64   `gorm:"not null" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (Participant) TableName() string {
	return "participants"
}
