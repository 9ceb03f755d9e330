// Package attachment implements the file attachment workflows of a
// consultation: upload, association, classification, deletion and download.
// Authorization decisions are made here from the Caller identity.
package attachment

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
)

const (
	DefaultMaxUploadSize int64 = 10 << 20
	// FileURLPrefix is where stored files are served from.
	FileURLPrefix = "/api/files/"
)

type MetaStorage interface {
	GetProfessional(ctx context.Context, id uuid.UUID) (*database.Professional, error)
	GetConsultation(ctx context.Context, id uuid.UUID) (*database.Consultation, error)
	SetConsultationProfessional(ctx context.Context, consultationID uuid.UUID, professionalID *uuid.UUID) (int64, error)
	DeleteConsultations(ctx context.Context, ids []uuid.UUID) (int64, error)

	GetCategory(ctx context.Context, id uuid.UUID) (*database.Category, error)
	FileByCategory(ctx context.Context, categoryID uuid.UUID) (*database.File, error)
	DeleteCategory(ctx context.Context, id uuid.UUID) error

	CreateFile(ctx context.Context, f *database.File) error
	GetFile(ctx context.Context, id uuid.UUID) (*database.File, error)
	GetFileByStorageKey(ctx context.Context, key string) (*database.File, error)
	UpdateFile(ctx context.Context, id uuid.UUID, upd database.FileUpdate) error
	AssignFiles(ctx context.Context, ids []uuid.UUID, c *database.Consultation, onlyOwner *uuid.UUID) (int64, error)
	DeleteFile(ctx context.Context, id uuid.UUID) error
	FilesByConsultations(ctx context.Context, ids []uuid.UUID) ([]database.File, error)
	ListFiles(ctx context.Context, q database.FileQuery) (*database.FilePage, error)
}

type BlobStorage interface {
	SaveFile(key string, file io.Reader) (int64, error)
	GetFile(key string) (*os.File, error)
	RemoveFile(key string) error
}

type Options struct {
	// MaxUploadSize is inclusive; zero means DefaultMaxUploadSize.
	MaxUploadSize int64
	// AdminReadAccess lets admins download files of any consultation.
	AdminReadAccess bool

	now    func() time.Time
	newKey func() string
}

type Service struct {
	ms   MetaStorage
	bs   BlobStorage
	opts Options
	l    *log.Entry
}

func NewService(ms MetaStorage, bs BlobStorage, opts Options, l *log.Entry) *Service {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.newKey == nil {
		opts.newKey = uuid.NewString
	}
	return &Service{
		ms:   ms,
		bs:   bs,
		opts: opts,
		l:    l,
	}
}

func (s *Service) MaxUploadSize() int64 {
	return s.opts.MaxUploadSize
}

func (s *Service) logger(operation string, caller Caller) *log.Entry {
	return s.l.WithFields(log.Fields{
		"operation": operation,
		"user_id":   caller.UserID,
		"role":      caller.Role,
	})
}

// FileURL is the reference under which the blob with key is served.
func FileURL(key string) string {
	return FileURLPrefix + key
}
