package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/konorlevich/medlog/internal/attachment-service/attachment"
	"github.com/konorlevich/medlog/internal/attachment-service/database"
)

const (
	fieldNameFile           = "file"
	fieldNameConsultationID = "consultationId"
	fieldNameCustomName     = "customName"
	fieldNameCategoryID     = "categoryId"

	// room for the multipart envelope and the other form fields
	formOverhead = 1 << 20
	formMemory   = 1 << 20
	maxJSONBody  = 1 << 20
)

var (
	errCantParseForm = errors.New("can't parse request form")
	errNoFile        = errors.New("file has not been provided")
	errTooLarge      = errors.New("request body is too large")
	errCantParseBody = errors.New("can't parse request body")
)

type uploadData struct {
	req  attachment.UploadRequest
	file multipart.File
	form *multipart.Form
}

func (u *uploadData) Close() {
	_ = u.file.Close()
	_ = u.form.RemoveAll()
}

func newUploadData(rw http.ResponseWriter, r *http.Request, maxSize int64) (*uploadData, error) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxSize+formOverhead)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: %w", attachment.ErrValidation, errTooLarge)
		}
		return nil, fmt.Errorf("%w: %w", attachment.ErrValidation, errCantParseForm)
	}

	f, fh, err := r.FormFile(fieldNameFile)
	if err != nil {
		_ = r.MultipartForm.RemoveAll()
		return nil, fmt.Errorf("%w: %w", attachment.ErrValidation, errNoFile)
	}
	u := &uploadData{
		file: f,
		form: r.MultipartForm,
		req: attachment.UploadRequest{
			OriginalName: baseName(fh.Filename),
			MimeType:     fh.Header.Get("Content-Type"),
			Size:         fh.Size,
			Content:      f,
			DisplayName:  r.FormValue(fieldNameCustomName),
		},
	}
	if id := r.FormValue(fieldNameConsultationID); id != "" {
		if u.req.ConsultationID, err = uuid.Parse(id); err != nil {
			u.Close()
			return nil, fmt.Errorf("%w: invalid %s", attachment.ErrValidation, fieldNameConsultationID)
		}
	}
	if id := r.FormValue(fieldNameCategoryID); id != "" {
		categoryID, err := uuid.Parse(id)
		if err != nil {
			u.Close()
			return nil, fmt.Errorf("%w: invalid %s", attachment.ErrValidation, fieldNameCategoryID)
		}
		u.req.CategoryID = &categoryID
	}
	return u, nil
}

type associateData struct {
	ConsultationID uuid.UUID   `json:"consultationId"`
	FileIDs        []uuid.UUID `json:"fileIds"`
}

type editData struct {
	CustomName     *string    `json:"customName"`
	CategoryID     *string    `json:"categoryId"`
	ConsultationID *uuid.UUID `json:"consultationId"`
}

func (e editData) toEdit() (attachment.FileEdit, error) {
	edit := attachment.FileEdit{DisplayName: e.CustomName, ConsultationID: e.ConsultationID}
	if e.CategoryID != nil {
		if *e.CategoryID == "" {
			edit.ClearCategory = true
		} else {
			id, err := uuid.Parse(*e.CategoryID)
			if err != nil {
				return edit, fmt.Errorf("%w: invalid %s", attachment.ErrValidation, fieldNameCategoryID)
			}
			edit.CategoryID = &id
		}
	}
	return edit, nil
}

type professionalData struct {
	ProfessionalID *uuid.UUID `json:"professionalId"`
}

type bulkDeleteData struct {
	IDs []uuid.UUID `json:"ids"`
}

func decodeJSON(rw http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w: %w", attachment.ErrValidation, errCantParseBody, err)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", attachment.ErrValidation, name)
	}
	return id, nil
}

func newFileQuery(r *http.Request) (database.FileQuery, error) {
	q := database.FileQuery{Search: strings.TrimSpace(r.URL.Query().Get("search"))}
	var err error
	if v := r.URL.Query().Get("page"); v != "" {
		if q.Page, err = strconv.Atoi(v); err != nil || q.Page < 1 {
			return q, fmt.Errorf("%w: invalid page", attachment.ErrValidation)
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 1 {
			return q, fmt.Errorf("%w: invalid limit", attachment.ErrValidation)
		}
	}
	return q, nil
}

// baseName strips any client side directory, including Windows style ones.
func baseName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
