package attachment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
)

// FileEdit changes how a file is classified. Nil fields are left alone;
// an empty DisplayName clears it.
type FileEdit struct {
	DisplayName    *string
	CategoryID     *uuid.UUID
	ClearCategory  bool
	ConsultationID *uuid.UUID
}

// Associate attaches the files to the consultation and copies its
// professional onto them. Unknown ids are skipped; the number of files
// changed is returned. Non-admins can only move files that are unattached or
// already belong to one of their consultations.
func (s *Service) Associate(ctx context.Context, caller Caller, consultationID uuid.UUID, fileIDs []uuid.UUID) (n int64, err error) {
	defer func() { observe("associate", err) }()
	l := s.logger("associate", caller).WithField("consultation_id", consultationID)

	if consultationID == uuid.Nil {
		return 0, validationf("consultation id is required")
	}
	ids := uniqueIDs(fileIDs)
	if len(ids) == 0 {
		return 0, validationf("no files given")
	}

	consultation, err := s.getManagedConsultation(ctx, caller, consultationID)
	if err != nil {
		l.WithError(err).Info("association refused")
		return 0, err
	}

	var onlyOwner *uuid.UUID
	if !caller.IsAdmin() {
		onlyOwner = &caller.UserID
	}
	n, err = s.ms.AssignFiles(ctx, ids, consultation, onlyOwner)
	if err != nil {
		l.WithError(err).Error("can't associate files")
		return 0, fmt.Errorf("can't associate files: %w", err)
	}
	l.WithFields(log.Fields{"requested": len(ids), "updated": n}).Info("files associated")
	return n, nil
}

// EditFile renames, recategorizes or moves one file. Moving it to another
// consultation re-synchronizes its professional.
func (s *Service) EditFile(ctx context.Context, caller Caller, fileID uuid.UUID, edit FileEdit) (f *database.File, err error) {
	defer func() { observe("edit", err) }()
	l := s.logger("edit", caller).WithField("file_id", fileID)

	f, err = s.ms.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, notFound("file")
		}
		return nil, fmt.Errorf("can't get file: %w", err)
	}
	if !caller.CanManageFile(f) {
		l.Warning("edit of a foreign file")
		return nil, forbidden("file belongs to another user")
	}
	if edit.CategoryID != nil {
		if err := s.checkCategory(ctx, *edit.CategoryID); err != nil {
			return nil, err
		}
	}

	var target *database.Consultation
	if edit.ConsultationID != nil && (f.ConsultationID == nil || *f.ConsultationID != *edit.ConsultationID) {
		if target, err = s.getManagedConsultation(ctx, caller, *edit.ConsultationID); err != nil {
			l.WithError(err).Info("move refused")
			return nil, err
		}
	}

	upd := database.FileUpdate{DisplayName: f.DisplayName, CategoryID: f.CategoryID, Consultation: target}
	if edit.DisplayName != nil {
		if name := strings.TrimSpace(*edit.DisplayName); name != "" {
			upd.DisplayName = &name
		} else {
			upd.DisplayName = nil
		}
	}
	if edit.CategoryID != nil {
		upd.CategoryID = edit.CategoryID
	} else if edit.ClearCategory {
		upd.CategoryID = nil
	}
	if err := s.ms.UpdateFile(ctx, f.ID, upd); err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, notFound("file")
		}
		l.WithError(err).Error("can't update file")
		return nil, fmt.Errorf("can't update file: %w", err)
	}
	if target != nil {
		l.WithField("consultation_id", target.ID).Info("file moved")
	}

	f, err = s.ms.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("can't get file: %w", err)
	}
	return f, nil
}

// SetConsultationProfessional changes the consultation's professional and
// rewrites it on every attached file in the same transaction.
func (s *Service) SetConsultationProfessional(ctx context.Context, caller Caller, consultationID uuid.UUID, professionalID *uuid.UUID) (n int64, err error) {
	defer func() { observe("set_professional", err) }()
	l := s.logger("set_professional", caller).WithField("consultation_id", consultationID)

	if _, err := s.getManagedConsultation(ctx, caller, consultationID); err != nil {
		return 0, err
	}
	if professionalID != nil {
		if _, err := s.ms.GetProfessional(ctx, *professionalID); err != nil {
			if errors.Is(err, database.ErrRecordNotFound) {
				return 0, validationf("unknown professional %s", *professionalID)
			}
			return 0, fmt.Errorf("can't get professional: %w", err)
		}
	}
	n, err = s.ms.SetConsultationProfessional(ctx, consultationID, professionalID)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return 0, notFound("consultation")
		}
		return 0, fmt.Errorf("can't set professional: %w", err)
	}
	l.WithField("files", n).Info("professional updated")
	return n, nil
}

func (s *Service) getManagedConsultation(ctx context.Context, caller Caller, id uuid.UUID) (*database.Consultation, error) {
	c, err := s.ms.GetConsultation(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, notFound("consultation")
		}
		return nil, fmt.Errorf("can't get consultation: %w", err)
	}
	if !caller.CanManage(c) {
		return nil, forbidden("consultation belongs to another user")
	}
	return c, nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	res := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	return res
}
