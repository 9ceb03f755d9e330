package database

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, name, email string) (*User, error) {
	u := &User{Name: name, Email: email}
	return u, r.db.WithContext(ctx).Create(u).Error
}

func (r *Repository) CreateProfessional(ctx context.Context, name string) (*Professional, error) {
	p := &Professional{Name: name}
	return p, r.db.WithContext(ctx).Create(p).Error
}

func (r *Repository) GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error) {
	p := &Professional{}
	return p, r.db.WithContext(ctx).First(p, "id = ?", id).Error
}

func (r *Repository) CreateConsultation(ctx context.Context, userID uuid.UUID, professionalID *uuid.UUID, date time.Time) (*Consultation, error) {
	c := &Consultation{UserID: userID, ProfessionalID: professionalID, Date: date}
	return c, r.db.WithContext(ctx).Create(c).Error
}

func (r *Repository) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c := &Consultation{}
	return c, r.db.WithContext(ctx).Preload("User").First(c, "id = ?", id).Error
}

// SetConsultationProfessional changes the professional of a consultation and
// copies it onto every file attached to it. Returns the number of files updated.
func (r *Repository) SetConsultationProfessional(ctx context.Context, consultationID uuid.UUID, professionalID *uuid.UUID) (int64, error) {
	var updated int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Consultation{}).Where("id = ?", consultationID).
			Update("professional_id", nullableID(professionalID))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRecordNotFound
		}
		res = tx.Model(&File{}).Where("consultation_id = ?", consultationID).
			Update("professional_id", nullableID(professionalID))
		updated = res.RowsAffected
		return res.Error
	})
	return updated, err
}

// DeleteConsultations removes the file rows of the given consultations and then
// the consultations themselves. Blobs are not touched here.
func (r *Repository) DeleteConsultations(ctx context.Context, ids []uuid.UUID) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("consultation_id IN ?", ids).Delete(&File{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&Consultation{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

func (r *Repository) CreateCategory(ctx context.Context, name string) (*Category, error) {
	c := &Category{Name: name}
	return c, r.db.WithContext(ctx).Create(c).Error
}

func (r *Repository) GetCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	c := &Category{}
	return c, r.db.WithContext(ctx).First(c, "id = ?", id).Error
}

// FileByCategory returns any one file tagged with the category, with its
// consultation owner loaded.
func (r *Repository) FileByCategory(ctx context.Context, categoryID uuid.UUID) (*File, error) {
	f := &File{}
	return f, r.db.WithContext(ctx).
		Preload("Consultation.User").
		First(f, "category_id = ?", categoryID).Error
}

func (r *Repository) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&Category{}, "id = ?", id)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return res.Error
}

func (r *Repository) CreateFile(ctx context.Context, f *File) error {
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *Repository) GetFile(ctx context.Context, id uuid.UUID) (*File, error) {
	f := &File{}
	return f, r.withRelations(ctx).First(f, "files.id = ?", id).Error
}

func (r *Repository) GetFileByStorageKey(ctx context.Context, key string) (*File, error) {
	f := &File{}
	return f, r.withRelations(ctx).First(f, "files.storage_key = ?", key).Error
}

func (r *Repository) StorageKeyInUse(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&File{}).Where("storage_key = ?", key).Count(&n).Error
	return n > 0, err
}

// FileUpdate is the full classification of a file. A nil Consultation keeps
// the file where it is.
type FileUpdate struct {
	DisplayName  *string
	CategoryID   *uuid.UUID
	Consultation *Consultation
}

// UpdateFile writes the display name and category and, when moving the file,
// its consultation and professional, all in one statement.
func (r *Repository) UpdateFile(ctx context.Context, id uuid.UUID, upd FileUpdate) error {
	var name interface{}
	if upd.DisplayName != nil {
		name = *upd.DisplayName
	}
	values := map[string]interface{}{
		"display_name": name,
		"category_id":  nullableID(upd.CategoryID),
	}
	if c := upd.Consultation; c != nil {
		values["consultation_id"] = c.ID
		values["professional_id"] = nullableID(c.ProfessionalID)
	}
	res := r.db.WithContext(ctx).Model(&File{}).Where("id = ?", id).Updates(values)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return res.Error
}

// AssignFiles attaches the files to the consultation and copies its
// professional. When onlyOwner is set, files attached to consultations of
// other users are left alone. Returns the number of rows updated.
func (r *Repository) AssignFiles(ctx context.Context, ids []uuid.UUID, c *Consultation, onlyOwner *uuid.UUID) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&File{}).Where("id IN ?", ids)
	if onlyOwner != nil {
		tx = tx.Where("(consultation_id IS NULL OR consultation_id IN (?))",
			r.db.Model(&Consultation{}).Select("id").Where("user_id = ?", *onlyOwner))
	}
	res := tx.Updates(map[string]interface{}{
		"consultation_id": c.ID,
		"professional_id": nullableID(c.ProfessionalID),
	})
	return res.RowsAffected, res.Error
}

func (r *Repository) DeleteFile(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&File{}, "id = ?", id)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return res.Error
}

func (r *Repository) FilesByConsultations(ctx context.Context, ids []uuid.UUID) ([]File, error) {
	var files []File
	return files, r.db.WithContext(ctx).
		Where("consultation_id IN ?", ids).
		Order("uploaded_at").
		Find(&files).Error
}

type FileQuery struct {
	Search              string
	ExcludeConsultation *uuid.UUID
	// OwnerID limits the result to unattached files and files of the owner's consultations.
	OwnerID *uuid.UUID
	Page    int
	Limit   int
}

type FilePage struct {
	Files []File `json:"files"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Total int64  `json:"total"`
	Pages int    `json:"pages"`
}

func (r *Repository) ListFiles(ctx context.Context, q FileQuery) (*FilePage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}

	filter := r.db.WithContext(ctx).Model(&File{})
	if q.Search != "" {
		pattern := "%" + escapeLike(q.Search) + "%"
		filter = filter.Where(`(display_name LIKE ? ESCAPE '\' OR original_name LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if q.ExcludeConsultation != nil {
		filter = filter.Where("(consultation_id IS NULL OR consultation_id <> ?)", *q.ExcludeConsultation)
	}
	if q.OwnerID != nil {
		filter = filter.Where("(consultation_id IS NULL OR consultation_id IN (?))",
			r.db.Model(&Consultation{}).Select("id").Where("user_id = ?", *q.OwnerID))
	}

	page := &FilePage{Page: q.Page, Limit: q.Limit, Files: []File{}}
	if err := filter.Session(&gorm.Session{}).Count(&page.Total).Error; err != nil {
		return nil, err
	}
	page.Pages = int((page.Total + int64(q.Limit) - 1) / int64(q.Limit))

	err := filter.
		Preload("Consultation.User").
		Preload("Professional").
		Preload("Category").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "uploaded_at"}, Desc: true}).
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&page.Files).Error
	return page, err
}

// ScanFiles walks every file record in primary key order, batchSize rows at a
// time, with consultation owner and category loaded.
func (r *Repository) ScanFiles(ctx context.Context, batchSize int, fn func([]File) error) error {
	var last *uuid.UUID
	for {
		var batch []File
		q := r.db.WithContext(ctx).Preload("Consultation.User").Preload("Category")
		if last != nil {
			q = q.Where("id > ?", *last)
		}
		if err := q.Order("id").Limit(batchSize).Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		id := batch[len(batch)-1].ID
		last = &id
	}
}

func (r *Repository) withRelations(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Consultation.User").
		Preload("Professional").
		Preload("Category")
}

func nullableID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
