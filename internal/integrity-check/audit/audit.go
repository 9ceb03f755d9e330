// Package audit cross-checks file records against the blob directory.
//
// A record whose blob is gone is dangling, a blob no record points to is an
// orphan, and a blob whose size differs from the recorded one is a size
// mismatch. Run only reads; Repair removes what Run found after the operator
// confirmed it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
)

const (
	DefaultBatchSize = 200
	statWorkers      = 8
)

type MetaStorage interface {
	ScanFiles(ctx context.Context, batchSize int, fn func([]database.File) error) error
	GetFileByStorageKey(ctx context.Context, key string) (*database.File, error)
	DeleteFile(ctx context.Context, id uuid.UUID) error
}

type BlobStorage interface {
	Stat(key string) (int64, error)
	Scan(batchSize int, fn func([]storage.Blob) error) error
	RemoveFile(key string) error
}

// Entry describes a file record with enough context for an operator to
// recognise it.
type Entry struct {
	FileID           uuid.UUID  `json:"fileId"`
	StorageKey       string     `json:"storageKey"`
	Name             string     `json:"name"`
	SizeBytes        int64      `json:"sizeBytes"`
	ActualSize       int64      `json:"actualSize,omitempty"`
	UploadedAt       time.Time  `json:"uploadedAt"`
	ConsultationID   *uuid.UUID `json:"consultationId,omitempty"`
	ConsultationDate *time.Time `json:"consultationDate,omitempty"`
	OwnerName        string     `json:"ownerName,omitempty"`
	OwnerEmail       string     `json:"ownerEmail,omitempty"`
	Category         string     `json:"category,omitempty"`
}

type Orphan struct {
	StorageKey string    `json:"storageKey"`
	SizeBytes  int64     `json:"sizeBytes"`
	ModTime    time.Time `json:"modTime"`
}

type Report struct {
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	Records      int       `json:"records"`
	Present      int       `json:"present"`
	Blobs        int       `json:"blobs"`
	Dangling     []Entry   `json:"dangling"`
	SizeMismatch []Entry   `json:"sizeMismatch"`
	Orphans      []Orphan  `json:"orphans"`
}

func (r *Report) Healthy() bool {
	return len(r.Dangling) == 0 && len(r.SizeMismatch) == 0 && len(r.Orphans) == 0
}

// NoBlobFound reports a run where no record has its blob. That usually means
// the wrong storage directory, not data loss.
func (r *Report) NoBlobFound() bool {
	return r.Present == 0 && len(r.Dangling) > 0
}

// NoRecordFound reports a run where blobs exist but no record does. That
// usually means the wrong database file.
func (r *Report) NoRecordFound() bool {
	return r.Records == 0 && len(r.Orphans) > 0
}

// Suspicious reports a run that looks like a misconfiguration rather than
// real inconsistencies.
func (r *Report) Suspicious() bool {
	return r.NoBlobFound() || r.NoRecordFound()
}

type Auditor struct {
	ms        MetaStorage
	bs        BlobStorage
	batchSize int
	l         *log.Entry
	now       func() time.Time
}

func New(ms MetaStorage, bs BlobStorage, batchSize int, l *log.Entry) *Auditor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Auditor{
		ms:        ms,
		bs:        bs,
		batchSize: batchSize,
		l:         l,
		now:       time.Now,
	}
}

// Run scans records and blobs batch by batch and never modifies either.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	start := a.now()
	r := &Report{
		StartedAt:    start.UTC(),
		Dangling:     []Entry{},
		SizeMismatch: []Entry{},
		Orphans:      []Orphan{},
	}
	a.l.WithField("batch_size", a.batchSize).Info("integrity check started")

	keys := map[string]struct{}{}
	err := a.ms.ScanFiles(ctx, a.batchSize, func(files []database.File) error {
		for _, f := range files {
			keys[f.StorageKey] = struct{}{}
		}
		return a.checkRecords(ctx, r, files)
	})
	if err != nil {
		return nil, fmt.Errorf("can't check file records: %w", err)
	}

	err = a.bs.Scan(a.batchSize, func(blobs []storage.Blob) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Blobs += len(blobs)
		for _, b := range blobs {
			if _, ok := keys[b.Key]; !ok {
				r.Orphans = append(r.Orphans, Orphan{StorageKey: b.Key, SizeBytes: b.Size, ModTime: b.ModTime})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("can't scan blobs: %w", err)
	}

	r.FinishedAt = a.now().UTC()
	observeReport(r, r.FinishedAt.Sub(r.StartedAt))
	a.l.WithFields(log.Fields{
		"records":       r.Records,
		"present":       r.Present,
		"dangling":      len(r.Dangling),
		"size_mismatch": len(r.SizeMismatch),
		"orphans":       len(r.Orphans),
	}).Info("integrity check finished")
	return r, nil
}

func (a *Auditor) checkRecords(ctx context.Context, r *Report, files []database.File) error {
	sizes := make([]int64, len(files))
	missing := make([]bool, len(files))

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(statWorkers)
	for i := range files {
		eg.Go(func() error {
			size, err := a.bs.Stat(files[i].StorageKey)
			switch {
			case errors.Is(err, storage.ErrBlobNotFound), errors.Is(err, storage.ErrInvalidKey):
				missing[i] = true
			case err != nil:
				return fmt.Errorf("can't stat blob %s: %w", files[i].StorageKey, err)
			}
			sizes[i] = size
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i := range files {
		r.Records++
		switch {
		case missing[i]:
			r.Dangling = append(r.Dangling, newEntry(&files[i]))
		case sizes[i] != files[i].SizeBytes:
			r.Present++
			e := newEntry(&files[i])
			e.ActualSize = sizes[i]
			r.SizeMismatch = append(r.SizeMismatch, e)
		default:
			r.Present++
		}
	}
	return nil
}

func newEntry(f *database.File) Entry {
	e := Entry{
		FileID:         f.ID,
		StorageKey:     f.StorageKey,
		Name:           f.Name(),
		SizeBytes:      f.SizeBytes,
		UploadedAt:     f.UploadedAt,
		ConsultationID: f.ConsultationID,
	}
	if c := f.Consultation; c != nil {
		date := c.Date
		e.ConsultationDate = &date
		if c.User != nil {
			e.OwnerName = c.User.Name
			e.OwnerEmail = c.User.Email
		}
	}
	if f.Category != nil {
		e.Category = f.Category.Name
	}
	return e
}
