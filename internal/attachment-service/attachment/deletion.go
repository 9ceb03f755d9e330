package attachment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
)

// BlobOutcome is what happened to one blob during a deletion.
type BlobOutcome struct {
	FileID      uuid.UUID `json:"fileId"`
	StorageKey  string    `json:"storageKey"`
	BlobRemoved bool      `json:"blobRemoved"`
	Error       string    `json:"error,omitempty"`
}

type CascadeResult struct {
	DeletedCount int64         `json:"deletedCount"`
	Files        []BlobOutcome `json:"files"`
}

// DeleteFileByKey removes the file served under key. Admin only. The blob is
// removed first on a best-effort basis, then the record.
func (s *Service) DeleteFileByKey(ctx context.Context, caller Caller, key string) (err error) {
	defer func() { observe("delete", err) }()
	l := s.logger("delete", caller).WithField("storage_key", key)
	if !caller.IsAdmin() {
		l.Warning("delete refused")
		return forbidden("only admins can delete files")
	}
	f, err := s.ms.GetFileByStorageKey(ctx, key)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return notFound("file")
		}
		return fmt.Errorf("can't get file: %w", err)
	}
	return s.deleteFile(ctx, l, f)
}

func (s *Service) DeleteFileByID(ctx context.Context, caller Caller, id uuid.UUID) (err error) {
	defer func() { observe("delete", err) }()
	l := s.logger("delete", caller).WithField("file_id", id)
	if !caller.IsAdmin() {
		l.Warning("delete refused")
		return forbidden("only admins can delete files")
	}
	f, err := s.ms.GetFile(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return notFound("file")
		}
		return fmt.Errorf("can't get file: %w", err)
	}
	return s.deleteFile(ctx, l, f)
}

func (s *Service) deleteFile(ctx context.Context, l *log.Entry, f *database.File) error {
	l = l.WithFields(log.Fields{"file_id": f.ID, "storage_key": f.StorageKey})
	s.removeBlob(l, f.StorageKey)
	if err := s.ms.DeleteFile(ctx, f.ID); err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return notFound("file")
		}
		l.WithError(err).Error("can't delete file record")
		return fmt.Errorf("can't delete file record: %w", err)
	}
	l.Info("file deleted")
	return nil
}

// DeleteConsultation deletes the consultation with all its files. Blob
// removal failures are reported per file and never abort the deletion.
func (s *Service) DeleteConsultation(ctx context.Context, caller Caller, id uuid.UUID) (res *CascadeResult, err error) {
	defer func() { observe("delete_consultation", err) }()
	l := s.logger("delete_consultation", caller).WithField("consultation_id", id)
	if _, err := s.getManagedConsultation(ctx, caller, id); err != nil {
		l.WithError(err).Info("consultation delete refused")
		return nil, err
	}
	return s.cascade(ctx, l, []uuid.UUID{id})
}

// DeleteConsultations is the admin bulk variant; unknown ids are skipped.
func (s *Service) DeleteConsultations(ctx context.Context, caller Caller, ids []uuid.UUID) (res *CascadeResult, err error) {
	defer func() { observe("bulk_delete_consultations", err) }()
	l := s.logger("bulk_delete_consultations", caller)
	if !caller.IsAdmin() {
		l.Warning("bulk delete refused")
		return nil, forbidden("only admins can bulk delete consultations")
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, validationf("no consultations given")
	}
	return s.cascade(ctx, l, ids)
}

func (s *Service) cascade(ctx context.Context, l *log.Entry, ids []uuid.UUID) (*CascadeResult, error) {
	files, err := s.ms.FilesByConsultations(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("can't get consultation files: %w", err)
	}

	res := &CascadeResult{Files: make([]BlobOutcome, 0, len(files))}
	for _, f := range files {
		o := BlobOutcome{FileID: f.ID, StorageKey: f.StorageKey}
		if err := s.removeBlob(l.WithField("file_id", f.ID), f.StorageKey); err != nil {
			o.Error = err.Error()
		} else {
			o.BlobRemoved = true
		}
		res.Files = append(res.Files, o)
	}

	res.DeletedCount, err = s.ms.DeleteConsultations(ctx, ids)
	if err != nil {
		l.WithError(err).Error("can't delete consultations")
		return nil, fmt.Errorf("can't delete consultations: %w", err)
	}
	l.WithFields(log.Fields{"consultations": res.DeletedCount, "files": len(files)}).Info("consultations deleted")
	return res, nil
}

// DeleteCategory removes an unused category. Admin only.
func (s *Service) DeleteCategory(ctx context.Context, caller Caller, id uuid.UUID) (err error) {
	defer func() { observe("delete_category", err) }()
	l := s.logger("delete_category", caller).WithField("category_id", id)
	if !caller.IsAdmin() {
		return forbidden("only admins can delete categories")
	}
	if _, err := s.ms.GetCategory(ctx, id); err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return notFound("category")
		}
		return fmt.Errorf("can't get category: %w", err)
	}

	f, err := s.ms.FileByCategory(ctx, id)
	switch {
	case err == nil:
		owner := "an unattached file"
		if f.Consultation != nil && f.Consultation.User != nil {
			owner = "files of " + f.Consultation.User.Name
		}
		l.WithField("file_id", f.ID).Info("category in use")
		return validationf("category is still used by %s", owner)
	case !errors.Is(err, database.ErrRecordNotFound):
		return fmt.Errorf("can't check category usage: %w", err)
	}

	if err := s.ms.DeleteCategory(ctx, id); err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return notFound("category")
		}
		return fmt.Errorf("can't delete category: %w", err)
	}
	l.Info("category deleted")
	return nil
}

// removeBlob deletes a blob whose record is going away. A missing blob is
// only logged; any other failure leaves an orphan and is counted.
func (s *Service) removeBlob(l *log.Entry, key string) error {
	err := s.bs.RemoveFile(key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrBlobNotFound):
		l.Warning("blob already missing")
	default:
		blobCleanupFailuresTotal.Inc()
		l.WithError(err).Warning("can't remove blob, leaving an orphan")
	}
	return err
}
