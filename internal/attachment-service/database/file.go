package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// File describes one blob in the blob store. ProfessionalID mirrors
// Consultation.ProfessionalID and is written only by AssignFiles and
// SetConsultationProfessional.
type File struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey;default:(gen_random_uuid())" json:"id"`
	OriginalName   string        `gorm:"not null" json:"originalName"`
	DisplayName    *string       `json:"displayName"`
	StorageKey     string        `gorm:"not null;uniqueIndex" json:"storageKey"`
	MimeType       string        `gorm:"not null" json:"mimeType"`
	SizeBytes      int64         `gorm:"not null" json:"sizeBytes"`
	UploadedAt     time.Time     `gorm:"not null;index" json:"uploadedAt"`
	ConsultationID *uuid.UUID    `gorm:"type:uuid;index" json:"consultationId"`
	Consultation   *Consultation `json:"consultation,omitempty"`
	ProfessionalID *uuid.UUID    `gorm:"type:uuid;index" json:"professionalId"`
	Professional   *Professional `json:"professional,omitempty"`
	CategoryID     *uuid.UUID    `gorm:"type:uuid;index" json:"categoryId"`
	Category       *Category     `json:"category,omitempty"`
}

func (f *File) BeforeCreate(_ *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// Name is what users see: the display name if one was chosen.
func (f *File) Name() string {
	if f.DisplayName != nil && *f.DisplayName != "" {
		return *f.DisplayName
	}
	return f.OriginalName
}

// OwnerID returns the owner of the file's consultation, or false for
// unattached files and files loaded without their consultation.
func (f *File) OwnerID() (uuid.UUID, bool) {
	if f.Consultation == nil {
		return uuid.Nil, false
	}
	return f.Consultation.UserID, true
}
