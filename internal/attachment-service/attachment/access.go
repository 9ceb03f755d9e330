package attachment

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
)

// AvailableLimit caps the picker search of files to attach.
const AvailableLimit = 100

type Download struct {
	File    *database.File
	Content *os.File
}

// Open authorizes the caller against the file served under key and opens its
// blob. The caller closes Content.
func (s *Service) Open(ctx context.Context, caller Caller, key string) (d *Download, err error) {
	defer func() { observe("download", err) }()
	l := s.logger("download", caller).WithField("storage_key", key)

	f, err := s.ms.GetFileByStorageKey(ctx, key)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, notFound("file")
		}
		return nil, fmt.Errorf("can't get file: %w", err)
	}
	if !s.canRead(caller, f) {
		l.Warning("download refused")
		return nil, forbidden("file belongs to another user")
	}

	content, err := s.bs.GetFile(key)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			integrityFailuresTotal.Inc()
			l.WithField("file_id", f.ID).Error(ErrIntegrity)
			return nil, fmt.Errorf("%w: %s", ErrIntegrity, key)
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return &Download{File: f, Content: content}, nil
}

// canRead lets the owner read their files. Admin read access only adds to that.
func (s *Service) canRead(caller Caller, f *database.File) bool {
	if owner, ok := f.OwnerID(); ok && owner == caller.UserID {
		return true
	}
	return caller.IsAdmin() && s.opts.AdminReadAccess
}

// ListFiles is the admin listing of every file.
func (s *Service) ListFiles(ctx context.Context, caller Caller, q database.FileQuery) (page *database.FilePage, err error) {
	defer func() { observe("list", err) }()
	if !caller.IsAdmin() {
		return nil, forbidden("only admins can list all files")
	}
	page, err = s.ms.ListFiles(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("can't list files: %w", err)
	}
	return page, nil
}

// AvailableFiles searches files that could be attached to a consultation,
// leaving out the ones already attached to exclude. Non-admins only see
// unattached files and files of their own consultations.
func (s *Service) AvailableFiles(ctx context.Context, caller Caller, search string, exclude *uuid.UUID) (files []database.File, err error) {
	defer func() { observe("available", err) }()
	q := database.FileQuery{Search: search, ExcludeConsultation: exclude, Limit: AvailableLimit}
	if !caller.IsAdmin() {
		q.OwnerID = &caller.UserID
	}
	page, err := s.ms.ListFiles(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("can't search files: %w", err)
	}
	return page.Files, nil
}
