package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User, Professional and Consultation are owned by the surrounding
// application; only the columns the attachment code reads are mapped here.

type User struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey;default:(gen_random_uuid())" json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

type Professional struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey;default:(gen_random_uuid())" json:"id"`
	Name string    `json:"name"`
}

func (p *Professional) BeforeCreate(_ *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

type Consultation struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey;default:(gen_random_uuid())" json:"id"`
	UserID         uuid.UUID     `gorm:"type:uuid;not null;index" json:"userId"`
	User           *User         `json:"user,omitempty"`
	ProfessionalID *uuid.UUID    `gorm:"type:uuid;index" json:"professionalId"`
	Professional   *Professional `json:"professional,omitempty"`
	Date           time.Time     `json:"date"`
	Notes          string        `json:"notes,omitempty"`
}

func (c *Consultation) BeforeCreate(_ *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
