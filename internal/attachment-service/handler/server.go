package handler

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/medlog/internal/attachment-service/attachment"
	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/handler/middleware"
)

const (
	pathKey = "key"
	pathID  = "id"

	cacheControl = "private, max-age=31536000, immutable"
)

type AttachmentService interface {
	MaxUploadSize() int64
	Upload(ctx context.Context, caller attachment.Caller, req attachment.UploadRequest) (*attachment.UploadResult, error)
	Open(ctx context.Context, caller attachment.Caller, key string) (*attachment.Download, error)
	DeleteFileByKey(ctx context.Context, caller attachment.Caller, key string) error
	Associate(ctx context.Context, caller attachment.Caller, consultationID uuid.UUID, fileIDs []uuid.UUID) (int64, error)
	EditFile(ctx context.Context, caller attachment.Caller, fileID uuid.UUID, edit attachment.FileEdit) (*database.File, error)
	ListFiles(ctx context.Context, caller attachment.Caller, q database.FileQuery) (*database.FilePage, error)
	AvailableFiles(ctx context.Context, caller attachment.Caller, search string, exclude *uuid.UUID) ([]database.File, error)
	DeleteCategory(ctx context.Context, caller attachment.Caller, id uuid.UUID) error
	DeleteConsultation(ctx context.Context, caller attachment.Caller, id uuid.UUID) (*attachment.CascadeResult, error)
	DeleteConsultations(ctx context.Context, caller attachment.Caller, ids []uuid.UUID) (*attachment.CascadeResult, error)
	SetConsultationProfessional(ctx context.Context, caller attachment.Caller, consultationID uuid.UUID, professionalID *uuid.UUID) (int64, error)
}

type Options struct {
	JWTSecret      string
	RequestTimeout time.Duration
}

func NewHandler(svc AttachmentService, opts Options, l *log.Entry) *http.ServeMux {
	handler := http.NewServeMux()
	h := &server{svc: svc, l: l}

	auth := middleware.CheckAuth(opts.JWTSecret, l)
	protected := func(fn http.HandlerFunc) http.Handler {
		if opts.RequestTimeout > 0 {
			return middleware.Timeout(opts.RequestTimeout)(auth(fn))
		}
		return auth(fn)
	}

	handler.Handle("POST /api/files/upload", protected(h.upload))
	handler.Handle("GET /api/files", protected(h.listFiles))
	handler.Handle("GET /api/files/available", protected(h.availableFiles))
	handler.Handle("POST /api/files/associate", protected(h.associate))
	handler.Handle("PUT /api/files/edit/{id}", protected(h.editFile))
	handler.Handle("GET /api/files/{key}", protected(h.getFile))
	handler.Handle("DELETE /api/files/{key}", protected(h.deleteFile))

	handler.Handle("DELETE /api/file-categories/{id}", protected(h.deleteCategory))
	handler.Handle("DELETE /api/consultations/{id}", protected(h.deleteConsultation))
	handler.Handle("PUT /api/consultations/{id}/professional", protected(h.setProfessional))
	handler.Handle("POST /api/admin/consultations/bulk-delete", protected(h.bulkDeleteConsultations))

	handler.Handle("GET /metrics", promhttp.Handler())
	return handler
}

type server struct {
	svc AttachmentService
	l   *log.Entry
}

func (s *server) upload(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	ud, err := newUploadData(rw, r, s.svc.MaxUploadSize())
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	defer ud.Close()

	res, err := s.svc.Upload(r.Context(), caller, ud.req)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusCreated, res)
}

func (s *server) getFile(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	d, err := s.svc.Open(r.Context(), caller, r.PathValue(pathKey))
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	defer d.Content.Close()

	disposition := mime.FormatMediaType("inline", map[string]string{"filename": d.File.Name()})
	if disposition == "" {
		disposition = "inline"
	}
	rw.Header().Set("Content-Type", d.File.MimeType)
	rw.Header().Set("Content-Disposition", disposition)
	rw.Header().Set("Cache-Control", cacheControl)
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(rw, r, "", d.File.UploadedAt, d.Content)
}

func (s *server) deleteFile(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	if err := s.svc.DeleteFileByKey(r.Context(), caller, r.PathValue(pathKey)); err != nil {
		s.writeError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (s *server) associate(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	var data associateData
	if err := decodeJSON(rw, r, &data); err != nil {
		s.writeError(rw, r, err)
		return
	}
	n, err := s.svc.Associate(r.Context(), caller, data.ConsultationID, data.FileIDs)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]int64{"count": n})
}

func (s *server) editFile(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id, err := pathUUID(r, pathID)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	var data editData
	if err := decodeJSON(rw, r, &data); err != nil {
		s.writeError(rw, r, err)
		return
	}
	edit, err := data.toEdit()
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	f, err := s.svc.EditFile(r.Context(), caller, id, edit)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, f)
}

func (s *server) listFiles(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	q, err := newFileQuery(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	page, err := s.svc.ListFiles(r.Context(), caller, q)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, page)
}

func (s *server) availableFiles(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	var exclude *uuid.UUID
	if v := r.URL.Query().Get("consultationId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeError(rw, r, errors.Join(attachment.ErrValidation, err))
			return
		}
		exclude = &id
	}
	files, err := s.svc.AvailableFiles(r.Context(), caller, r.URL.Query().Get("search"), exclude)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, files)
}

func (s *server) deleteCategory(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id, err := pathUUID(r, pathID)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	if err := s.svc.DeleteCategory(r.Context(), caller, id); err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) deleteConsultation(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id, err := pathUUID(r, pathID)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	res, err := s.svc.DeleteConsultation(r.Context(), caller, id)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (s *server) setProfessional(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id, err := pathUUID(r, pathID)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	var data professionalData
	if err := decodeJSON(rw, r, &data); err != nil {
		s.writeError(rw, r, err)
		return
	}
	n, err := s.svc.SetConsultationProfessional(r.Context(), caller, id, data.ProfessionalID)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]int64{"count": n})
}

func (s *server) bulkDeleteConsultations(rw http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	var data bulkDeleteData
	if err := decodeJSON(rw, r, &data); err != nil {
		s.writeError(rw, r, err)
		return
	}
	res, err := s.svc.DeleteConsultations(r.Context(), caller, data.IDs)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

// writeError maps the error kind to a status. Unexpected errors are logged
// and hidden from the client.
func (s *server) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	l := s.l.WithError(err).WithFields(log.Fields{"method": r.Method, "path": r.URL.Path})
	switch {
	case errors.Is(err, attachment.ErrValidation):
		http.Error(rw, err.Error(), http.StatusBadRequest)
	case errors.Is(err, attachment.ErrUnauthenticated):
		http.Error(rw, "you are not authorized for this action", http.StatusUnauthorized)
	case errors.Is(err, attachment.ErrForbidden):
		http.Error(rw, "access denied", http.StatusForbidden)
	case errors.Is(err, attachment.ErrNotFound):
		http.Error(rw, err.Error(), http.StatusNotFound)
	case errors.Is(err, attachment.ErrIntegrity):
		l.Error("file content is missing")
		http.Error(rw, attachment.ErrIntegrity.Error(), http.StatusInternalServerError)
	case errors.Is(err, context.DeadlineExceeded):
		l.Warning("request timed out")
		http.Error(rw, "request timed out, please try later", http.StatusServiceUnavailable)
	default:
		l.Error("request failed")
		http.Error(rw, "something went wrong, please try later", http.StatusInternalServerError)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
