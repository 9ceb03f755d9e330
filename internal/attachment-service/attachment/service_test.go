package attachment

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
)

var errDiskOnFire = errors.New("disk on fire")

func getLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.FatalLevel)
	return l
}

// blobStore fails removal of the keys in failRemove.
type blobStore struct {
	*storage.Storage
	failRemove map[string]bool
}

func (b *blobStore) RemoveFile(key string) error {
	if b.failRemove[key] {
		return errDiskOnFire
	}
	return b.Storage.RemoveFile(key)
}

type fixture struct {
	svc   *Service
	repo  *database.Repository
	blobs *blobStore
	logs  *test.Hook

	owner, other, admin Caller
	ownerUser           *database.User
	professional        *database.Professional
	// consultation of owner with professional, foreign of other without one
	consultation, foreign *database.Consultation
	category              *database.Category
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := database.NewDb(filepath.Join(dir, "test.db"), logger.Silent)
	require.NoError(t, err)
	repo := database.NewRepository(db)

	nl, hook := test.NewNullLogger()
	l := nl.WithField("test", t.Name())
	st, err := storage.NewStorage(filepath.Join(dir, "uploads"), l)
	require.NoError(t, err)
	blobs := &blobStore{Storage: st, failRemove: map[string]bool{}}

	f := &fixture{repo: repo, blobs: blobs, logs: hook}
	f.ownerUser, err = repo.CreateUser(ctx, "Ana", "ana@example.com")
	require.NoError(t, err)
	otherUser, err := repo.CreateUser(ctx, "Bruno", "bruno@example.com")
	require.NoError(t, err)
	f.owner = Caller{UserID: f.ownerUser.ID, Role: RoleUser}
	f.other = Caller{UserID: otherUser.ID, Role: RoleUser}
	f.admin = Caller{UserID: uuid.New(), Role: RoleAdmin}

	f.professional, err = repo.CreateProfessional(ctx, "Dr. Costa")
	require.NoError(t, err)
	f.consultation, err = repo.CreateConsultation(ctx, f.ownerUser.ID, &f.professional.ID, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	f.foreign, err = repo.CreateConsultation(ctx, otherUser.ID, nil, time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	f.category, err = repo.CreateCategory(ctx, "Lab results")
	require.NoError(t, err)

	f.svc = NewService(repo, blobs, opts, l)
	return f
}

func pdfRequest(consultation uuid.UUID, name, content string) UploadRequest {
	return UploadRequest{
		ConsultationID: consultation,
		OriginalName:   name,
		MimeType:       "application/pdf",
		Size:           int64(len(content)),
		Content:        strings.NewReader(content),
	}
}

func (f *fixture) upload(t *testing.T, caller Caller, consultation *database.Consultation, name, content string) *database.File {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), caller, pdfRequest(consultation.ID, name, content))
	require.NoError(t, err)
	return res.File
}

// unattached stores a blob and a record that belongs to no consultation.
func (f *fixture) unattached(t *testing.T, name string) *database.File {
	t.Helper()
	key := uuid.NewString() + ".pdf"
	n, err := f.blobs.SaveFile(key, strings.NewReader(name))
	require.NoError(t, err)
	file := &database.File{
		OriginalName: name,
		StorageKey:   key,
		MimeType:     "application/pdf",
		SizeBytes:    n,
		UploadedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.repo.CreateFile(context.Background(), file))
	return file
}

func (f *fixture) readBlob(t *testing.T, key string) string {
	t.Helper()
	r, err := f.blobs.GetFile(key)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) blobExists(t *testing.T, key string) bool {
	t.Helper()
	_, err := f.blobs.Stat(key)
	if errors.Is(err, storage.ErrBlobNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}
