package attachment

import (
	"github.com/google/uuid"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Caller is the authenticated identity supplied by the session layer.
type Caller struct {
	UserID uuid.UUID
	Role   Role
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

func (c Caller) CanManage(consultation *database.Consultation) bool {
	return c.IsAdmin() || consultation.UserID == c.UserID
}

// CanManageFile: admins always, owners when the file is attached.
func (c Caller) CanManageFile(f *database.File) bool {
	if c.IsAdmin() {
		return true
	}
	owner, ok := f.OwnerID()
	return ok && owner == c.UserID
}
