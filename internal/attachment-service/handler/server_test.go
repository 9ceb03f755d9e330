package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/konorlevich/medlog/internal/attachment-service/attachment"
	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/handler/middleware"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
)

const (
	secret    = "test-secret"
	testLimit = 64
)

func getLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.FatalLevel)
	return logger.WithField("in_test", true)
}

type env struct {
	handler http.Handler
	repo    *database.Repository
	blobs   *storage.Storage

	owner, other, admin string
	ownerName           string
	consultation        *database.Consultation
	foreign             *database.Consultation
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := database.NewDb(filepath.Join(dir, "test.db"), logger.Silent)
	require.NoError(t, err)
	repo := database.NewRepository(db)
	blobs, err := storage.NewStorage(filepath.Join(dir, "uploads"), getLogger())
	require.NoError(t, err)

	svc := attachment.NewService(repo, blobs, attachment.Options{MaxUploadSize: testLimit, AdminReadAccess: true}, getLogger())
	e := &env{
		handler:   NewHandler(svc, Options{JWTSecret: secret, RequestTimeout: time.Minute}, getLogger()),
		repo:      repo,
		blobs:     blobs,
		ownerName: "Ana",
	}

	owner, err := repo.CreateUser(ctx, e.ownerName, "ana@example.com")
	require.NoError(t, err)
	other, err := repo.CreateUser(ctx, "Bruno", "bruno@example.com")
	require.NoError(t, err)
	prof, err := repo.CreateProfessional(ctx, "Dr. Costa")
	require.NoError(t, err)
	e.consultation, err = repo.CreateConsultation(ctx, owner.ID, &prof.ID, time.Now())
	require.NoError(t, err)
	e.foreign, err = repo.CreateConsultation(ctx, other.ID, nil, time.Now())
	require.NoError(t, err)

	e.owner = token(t, attachment.Caller{UserID: owner.ID, Role: attachment.RoleUser})
	e.other = token(t, attachment.Caller{UserID: other.ID, Role: attachment.RoleUser})
	e.admin = token(t, attachment.Caller{UserID: uuid.New(), Role: attachment.RoleAdmin})
	return e
}

func token(t *testing.T, caller attachment.Caller) string {
	t.Helper()
	tok, err := middleware.NewToken(secret, caller, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, url, tok string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, url, body)
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	rw := httptest.NewRecorder()
	e.handler.ServeHTTP(rw, r)
	return rw
}

func (e *env) doJSON(t *testing.T, method, url, tok string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return e.do(t, method, url, tok, bytes.NewReader(b), "application/json")
}

// uploadForm builds a multipart body; fields go in as plain form values.
func uploadForm(t *testing.T, filename, contentType, content string, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buffer bytes.Buffer
	mw := multipart.NewWriter(&buffer)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		fw, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buffer, mw.FormDataContentType()
}

func (e *env) upload(t *testing.T, tok string, consultation uuid.UUID, filename, content string) *attachment.UploadResult {
	t.Helper()
	body, ct := uploadForm(t, filename, "application/pdf", content, map[string]string{"consultationId": consultation.String()})
	rw := e.do(t, http.MethodPost, "/api/files/upload", tok, body, ct)
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())
	res := &attachment.UploadResult{}
	require.NoError(t, json.NewDecoder(rw.Body).Decode(res))
	return res
}

func TestUpload(t *testing.T) {
	e := newEnv(t)
	cid := e.consultation.ID.String()

	tests := []struct {
		name        string
		tok         string
		filename    string
		contentType string
		content     string
		fields      map[string]string
		wantStatus  int
	}{
		{name: "pdf", tok: e.owner, filename: "report.pdf", contentType: "application/pdf", content: "%PDF", fields: map[string]string{"consultationId": cid}, wantStatus: http.StatusCreated},
		{name: "png with custom name", tok: e.owner, filename: "scans/xray.png", contentType: "image/png", content: "png", fields: map[string]string{"consultationId": cid, "customName": "X-ray"}, wantStatus: http.StatusCreated},
		{name: "no token", filename: "report.pdf", contentType: "application/pdf", content: "%PDF", fields: map[string]string{"consultationId": cid}, wantStatus: http.StatusUnauthorized},
		{name: "text file", tok: e.owner, filename: "a.txt", contentType: "text/plain", content: "text", fields: map[string]string{"consultationId": cid}, wantStatus: http.StatusBadRequest},
		{name: "too big", tok: e.owner, filename: "big.pdf", contentType: "application/pdf", content: strings.Repeat("x", testLimit+1), fields: map[string]string{"consultationId": cid}, wantStatus: http.StatusBadRequest},
		{name: "no file", tok: e.owner, fields: map[string]string{"consultationId": cid}, wantStatus: http.StatusBadRequest},
		{name: "bad consultation id", tok: e.owner, filename: "a.pdf", contentType: "application/pdf", content: "a", fields: map[string]string{"consultationId": "42"}, wantStatus: http.StatusBadRequest},
		{name: "unknown consultation", tok: e.owner, filename: "a.pdf", contentType: "application/pdf", content: "a", fields: map[string]string{"consultationId": uuid.NewString()}, wantStatus: http.StatusNotFound},
		{name: "foreign consultation", tok: e.other, filename: "a.pdf", contentType: "application/pdf", content: "a", fields: map[string]string{"consultationId": cid}, wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := uploadForm(t, tt.filename, tt.contentType, tt.content, tt.fields)
			rw := e.do(t, http.MethodPost, "/api/files/upload", tt.tok, body, ct)
			assert.Equal(t, tt.wantStatus, rw.Code, rw.Body.String())
			if tt.wantStatus != http.StatusCreated {
				return
			}
			res := &attachment.UploadResult{}
			require.NoError(t, json.NewDecoder(rw.Body).Decode(res))
			assert.Equal(t, "/api/files/"+res.File.StorageKey, res.URL)
			assert.Equal(t, int64(len(tt.content)), res.File.SizeBytes)
			assert.NotContains(t, res.File.OriginalName, "/")
		})
	}
}

func TestGetFile(t *testing.T) {
	e := newEnv(t)
	res := e.upload(t, e.owner, e.consultation.ID, "blood test.pdf", "%PDF-1.4")

	rw := e.do(t, http.MethodGet, res.URL, e.owner, nil, "")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "%PDF-1.4", rw.Body.String())
	assert.Equal(t, "application/pdf", rw.Header().Get("Content-Type"))
	assert.Equal(t, `inline; filename="blood test.pdf"`, rw.Header().Get("Content-Disposition"))
	assert.Equal(t, cacheControl, rw.Header().Get("Cache-Control"))

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, res.URL, e.admin, nil, "").Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, res.URL, e.other, nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, res.URL, "", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/files/"+uuid.NewString()+".pdf", e.owner, nil, "").Code)

	require.NoError(t, e.blobs.RemoveFile(res.File.StorageKey))
	rw = e.do(t, http.MethodGet, res.URL, e.owner, nil, "")
	assert.Equal(t, http.StatusInternalServerError, rw.Code)
	assert.Contains(t, rw.Body.String(), attachment.ErrIntegrity.Error())
}

func TestDeleteFile(t *testing.T) {
	e := newEnv(t)
	res := e.upload(t, e.owner, e.consultation.ID, "a.pdf", "a")

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodDelete, res.URL, e.owner, nil, "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, res.URL, e.admin, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, res.URL, e.admin, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, res.URL, e.owner, nil, "").Code)
}

func TestAssociateAndEdit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.upload(t, e.owner, e.consultation.ID, "a.pdf", "a")
	b := e.upload(t, e.admin, e.foreign.ID, "b.pdf", "b")

	second, err := e.repo.CreateConsultation(ctx, e.consultation.UserID, nil, time.Now())
	require.NoError(t, err)

	rw := e.doJSON(t, http.MethodPost, "/api/files/associate", e.owner, associateData{
		ConsultationID: second.ID,
		FileIDs:        []uuid.UUID{a.File.ID, b.File.ID},
	})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	assert.JSONEq(t, `{"count":1}`, rw.Body.String())

	rw = e.do(t, http.MethodPost, "/api/files/associate", e.owner, strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rw.Code)

	name := "Renamed"
	rw = e.doJSON(t, http.MethodPut, "/api/files/edit/"+a.File.ID.String(), e.owner, editData{CustomName: &name, ConsultationID: &e.consultation.ID})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	got := &database.File{}
	require.NoError(t, json.NewDecoder(rw.Body).Decode(got))
	assert.Equal(t, "Renamed", got.Name())
	assert.Equal(t, e.consultation.ID, *got.ConsultationID)
	assert.Equal(t, *e.consultation.ProfessionalID, *got.ProfessionalID)

	rw = e.doJSON(t, http.MethodPut, "/api/files/edit/"+b.File.ID.String(), e.owner, editData{CustomName: &name})
	assert.Equal(t, http.StatusForbidden, rw.Code)
	rw = e.doJSON(t, http.MethodPut, "/api/files/edit/not-a-uuid", e.owner, editData{CustomName: &name})
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestListAndAvailable(t *testing.T) {
	e := newEnv(t)
	e.upload(t, e.owner, e.consultation.ID, "mine.pdf", "a")
	e.upload(t, e.other, e.foreign.ID, "theirs.pdf", "b")

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/api/files", e.owner, nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/files?page=0", e.admin, nil, "").Code)

	rw := e.do(t, http.MethodGet, "/api/files?limit=1&page=2", e.admin, nil, "")
	require.Equal(t, http.StatusOK, rw.Code)
	page := &database.FilePage{}
	require.NoError(t, json.NewDecoder(rw.Body).Decode(page))
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Len(t, page.Files, 1)

	rw = e.do(t, http.MethodGet, "/api/files/available?search=pdf", e.owner, nil, "")
	require.Equal(t, http.StatusOK, rw.Code)
	var files []database.File
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&files))
	require.Len(t, files, 1)
	assert.Equal(t, "mine.pdf", files[0].OriginalName)

	rw = e.do(t, http.MethodGet, "/api/files/available?consultationId=x", e.owner, nil, "")
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestConsultationRoutes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.upload(t, e.owner, e.consultation.ID, "a.pdf", "a")
	b := e.upload(t, e.other, e.foreign.ID, "b.pdf", "b")

	prof, err := e.repo.CreateProfessional(ctx, "Dr. Duarte")
	require.NoError(t, err)
	rw := e.doJSON(t, http.MethodPut, "/api/consultations/"+e.consultation.ID.String()+"/professional", e.owner, professionalData{ProfessionalID: &prof.ID})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	assert.JSONEq(t, `{"count":1}`, rw.Body.String())
	got, err := e.repo.GetFile(ctx, a.File.ID)
	require.NoError(t, err)
	assert.Equal(t, prof.ID, *got.ProfessionalID)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodDelete, "/api/consultations/"+e.consultation.ID.String(), e.other, nil, "").Code)
	rw = e.do(t, http.MethodDelete, "/api/consultations/"+e.consultation.ID.String(), e.owner, nil, "")
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	res := &attachment.CascadeResult{}
	require.NoError(t, json.NewDecoder(rw.Body).Decode(res))
	assert.Equal(t, int64(1), res.DeletedCount)
	require.Len(t, res.Files, 1)
	assert.True(t, res.Files[0].BlobRemoved)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, a.URL, e.owner, nil, "").Code)

	rw = e.doJSON(t, http.MethodPost, "/api/admin/consultations/bulk-delete", e.other, bulkDeleteData{IDs: []uuid.UUID{e.foreign.ID}})
	assert.Equal(t, http.StatusForbidden, rw.Code)
	rw = e.doJSON(t, http.MethodPost, "/api/admin/consultations/bulk-delete", e.admin, bulkDeleteData{IDs: []uuid.UUID{e.foreign.ID}})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	_, err = e.blobs.Stat(b.File.StorageKey)
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
}

func TestDeleteCategory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	category, err := e.repo.CreateCategory(ctx, "Imaging")
	require.NoError(t, err)
	body, ct := uploadForm(t, "a.pdf", "application/pdf", "a", map[string]string{
		"consultationId": e.consultation.ID.String(),
		"categoryId":     category.ID.String(),
	})
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/files/upload", e.owner, body, ct).Code)

	url := "/api/file-categories/" + category.ID.String()
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodDelete, url, e.owner, nil, "").Code)
	rw := e.do(t, http.MethodDelete, url, e.admin, nil, "")
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Contains(t, rw.Body.String(), e.ownerName)
}

func TestMetrics(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/files/"+uuid.NewString()+".pdf", e.owner, nil, "")
	rw := e.do(t, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "medlog_attachment_operations_total")
}
