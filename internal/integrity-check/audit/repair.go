package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
)

// DefaultMinOrphanAge keeps blobs of uploads that may still be writing
// their record.
const DefaultMinOrphanAge = time.Hour

var (
	ErrNotConfirmed = errors.New("repair was not confirmed")
	ErrSuspicious   = errors.New("report looks like a misconfiguration, check the storage path and database file before repairing")
	ErrNothingToDo  = errors.New("no repair selected")
)

type RepairOptions struct {
	// Dangling removes records whose blob is missing.
	Dangling bool
	// Orphans removes blobs no record points to.
	Orphans bool
	// AllowSuspicious lets Repair run on a report where every blob or every
	// record is missing.
	AllowSuspicious bool
	// MinOrphanAge skips orphans modified more recently, which can be
	// uploads still in flight.
	MinOrphanAge time.Duration
	// Confirm gets the summary of what will be removed and must return true.
	Confirm func(summary string) bool
}

type RepairResult struct {
	RecordsRemoved int      `json:"recordsRemoved"`
	BlobsRemoved   int      `json:"blobsRemoved"`
	Skipped        []string `json:"skipped"`
	Errors         []string `json:"errors"`
}

// Repair removes the problems listed in the report. Every item is checked
// again right before it is removed, and is skipped if it no longer applies.
func (a *Auditor) Repair(ctx context.Context, r *Report, opts RepairOptions) (*RepairResult, error) {
	if !opts.Dangling && !opts.Orphans {
		return nil, ErrNothingToDo
	}
	if !opts.AllowSuspicious && ((opts.Dangling && r.NoBlobFound()) || (opts.Orphans && r.NoRecordFound())) {
		return nil, ErrSuspicious
	}
	summary := repairSummary(r, opts)
	if opts.Confirm == nil || !opts.Confirm(summary) {
		a.l.Info("repair cancelled")
		return nil, ErrNotConfirmed
	}

	res := &RepairResult{Skipped: []string{}, Errors: []string{}}
	if opts.Dangling {
		for _, e := range r.Dangling {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			a.removeDangling(ctx, e, res)
		}
	}
	if opts.Orphans {
		now := a.now()
		for _, o := range r.Orphans {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if opts.MinOrphanAge > 0 && now.Sub(o.ModTime) < opts.MinOrphanAge {
				res.Skipped = append(res.Skipped, o.StorageKey+": too recent")
				continue
			}
			a.removeOrphan(ctx, o, res)
		}
	}
	a.l.WithFields(log.Fields{
		"records_removed": res.RecordsRemoved,
		"blobs_removed":   res.BlobsRemoved,
		"skipped":         len(res.Skipped),
		"errors":          len(res.Errors),
	}).Info("repair finished")
	return res, nil
}

func (a *Auditor) removeDangling(ctx context.Context, e Entry, res *RepairResult) {
	l := a.l.WithFields(log.Fields{"file_id": e.FileID, "storage_key": e.StorageKey})
	_, err := a.bs.Stat(e.StorageKey)
	switch {
	case err == nil:
		res.Skipped = append(res.Skipped, e.StorageKey+": blob is back")
		return
	case !errors.Is(err, storage.ErrBlobNotFound) && !errors.Is(err, storage.ErrInvalidKey):
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", e.StorageKey, err))
		return
	}
	if err := a.ms.DeleteFile(ctx, e.FileID); err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			res.Skipped = append(res.Skipped, e.StorageKey+": record already gone")
			return
		}
		l.WithError(err).Error("can't remove dangling record")
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", e.StorageKey, err))
		return
	}
	repairedTotal.WithLabelValues("dangling").Inc()
	l.Info("dangling record removed")
	res.RecordsRemoved++
}

func (a *Auditor) removeOrphan(ctx context.Context, o Orphan, res *RepairResult) {
	l := a.l.WithField("storage_key", o.StorageKey)
	_, err := a.ms.GetFileByStorageKey(ctx, o.StorageKey)
	switch {
	case err == nil:
		res.Skipped = append(res.Skipped, o.StorageKey+": record exists now")
		return
	case !errors.Is(err, database.ErrRecordNotFound):
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", o.StorageKey, err))
		return
	}
	if err := a.bs.RemoveFile(o.StorageKey); err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			res.Skipped = append(res.Skipped, o.StorageKey+": blob already gone")
			return
		}
		l.WithError(err).Error("can't remove orphan blob")
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", o.StorageKey, err))
		return
	}
	repairedTotal.WithLabelValues("orphan").Inc()
	l.Info("orphan blob removed")
	res.BlobsRemoved++
}

func repairSummary(r *Report, opts RepairOptions) string {
	s := ""
	if opts.Dangling {
		s += fmt.Sprintf("remove %d file records whose content is missing", len(r.Dangling))
	}
	if opts.Orphans {
		if s != "" {
			s += " and "
		}
		s += fmt.Sprintf("delete %d stored files no record points to", len(r.Orphans))
	}
	return s
}
