package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
)

// allowedTypes maps accepted content types to the extension used when the
// original name has none.
var allowedTypes = map[string]string{
	"application/pdf": ".pdf",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
}

// image/jpg is not registered but browsers send it
var typeAliases = map[string]string{
	"image/jpg":   "image/jpeg",
	"image/pjpeg": "image/jpeg",
}

const maxExtLen = 10

type UploadRequest struct {
	ConsultationID uuid.UUID
	OriginalName   string
	MimeType       string
	// Size is the declared size; the stored blob must match it.
	Size        int64
	Content     io.Reader
	DisplayName string
	CategoryID  *uuid.UUID
}

type UploadResult struct {
	File *database.File `json:"file"`
	URL  string         `json:"url"`
}

// NormalizeMimeType lowercases the type and drops parameters. The second
// result is false for types that are not accepted.
func NormalizeMimeType(mimeType string) (string, bool) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", false
	}
	if alias, ok := typeAliases[mt]; ok {
		mt = alias
	}
	_, ok := allowedTypes[mt]
	return mt, ok
}

func (s *Service) Upload(ctx context.Context, caller Caller, req UploadRequest) (res *UploadResult, err error) {
	defer func() { observe("upload", err) }()
	l := s.logger("upload", caller).WithField("consultation_id", req.ConsultationID)

	mimeType, err := s.validateUpload(req)
	if err != nil {
		l.WithError(err).Info("upload rejected")
		return nil, err
	}

	consultation, err := s.getManagedConsultation(ctx, caller, req.ConsultationID)
	if err != nil {
		l.WithError(err).Info("upload refused")
		return nil, err
	}
	if req.CategoryID != nil {
		if err := s.checkCategory(ctx, *req.CategoryID); err != nil {
			return nil, err
		}
	}

	key := s.opts.newKey() + storageExt(req.OriginalName, mimeType)
	l = l.WithField("storage_key", key)

	n, err := s.bs.SaveFile(key, io.LimitReader(req.Content, s.opts.MaxUploadSize+1))
	if err != nil {
		if errors.Is(err, storage.ErrBlobExists) {
			l.WithError(err).Error("storage key collision")
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if n != req.Size || n > s.opts.MaxUploadSize {
		l.WithFields(log.Fields{"declared": req.Size, "written": n}).Info("upload size mismatch")
		s.removeBlob(l, key)
		return nil, validationf("received %d bytes, declared %d", n, req.Size)
	}

	f := &database.File{
		ID:             uuid.New(),
		OriginalName:   req.OriginalName,
		StorageKey:     key,
		MimeType:       mimeType,
		SizeBytes:      n,
		UploadedAt:     s.opts.now().UTC(),
		ConsultationID: &consultation.ID,
		ProfessionalID: consultation.ProfessionalID,
		CategoryID:     req.CategoryID,
	}
	if name := strings.TrimSpace(req.DisplayName); name != "" {
		f.DisplayName = &name
	}
	if err := s.ms.CreateFile(ctx, f); err != nil {
		// the blob stays behind as an orphan for the integrity check
		l.WithError(err).Error(ErrCantSaveFile)
		return nil, fmt.Errorf("%w: %w", ErrCantSaveFile, err)
	}

	uploadedBytes.Observe(float64(n))
	l.WithFields(log.Fields{"file_id": f.ID, "size": n}).Info("file uploaded")
	return &UploadResult{File: f, URL: FileURL(key)}, nil
}

func (s *Service) validateUpload(req UploadRequest) (string, error) {
	if req.ConsultationID == uuid.Nil {
		return "", validationf("consultation id is required")
	}
	if req.Content == nil {
		return "", validationf("file is required")
	}
	if strings.TrimSpace(req.OriginalName) == "" {
		return "", validationf("file name is required")
	}
	mimeType, ok := NormalizeMimeType(req.MimeType)
	if !ok {
		return "", validationf("file type %q is not allowed", req.MimeType)
	}
	if req.Size < 0 {
		return "", validationf("invalid file size %d", req.Size)
	}
	if req.Size > s.opts.MaxUploadSize {
		return "", validationf("file size %d exceeds the limit of %d bytes", req.Size, s.opts.MaxUploadSize)
	}
	return mimeType, nil
}

func (s *Service) checkCategory(ctx context.Context, id uuid.UUID) error {
	if _, err := s.ms.GetCategory(ctx, id); err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return validationf("unknown category %s", id)
		}
		return fmt.Errorf("can't get category: %w", err)
	}
	return nil
}

// storageExt keeps the extension of the original name when it is a plain
// alphanumeric one, otherwise derives it from the content type.
func storageExt(originalName, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) > 1 && len(ext) <= maxExtLen && ext != ".tmp" && strings.IndexFunc(ext[1:], func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	}) < 0 {
		return ext
	}
	return allowedTypes[mimeType]
}
