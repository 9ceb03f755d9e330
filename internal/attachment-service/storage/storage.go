// Package storage keeps attachment blobs as immutable files in a single
// directory. Blobs are addressed by storage key, which is the file name.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const tmpSuffix = ".tmp"

var (
	ErrInvalidKey         = errors.New("invalid storage key")
	ErrBlobExists         = errors.New("blob already exists")
	ErrBlobNotFound       = errors.New("blob not found")
	ErrCantCreateStorage  = errors.New("can't create blob storage dir")
	ErrCantCreateBlobFile = errors.New("can't create blob file")
	ErrCantWriteBlobFile  = errors.New("can't write blob file")
	ErrCantReadBlob       = errors.New("can't read the blob file")
	ErrCantRemoveBlob     = errors.New("can't remove the blob file")
	ErrCantListBlobs      = errors.New("can't list blob storage dir")
)

type Storage struct {
	path string
	l    *log.Entry
}

// Blob is an entry found while scanning the storage directory.
type Blob struct {
	Key     string
	Size    int64
	ModTime time.Time
}

func NewStorage(basePath string, l *log.Entry) (*Storage, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		l.WithField("storage_base_path", basePath).WithError(err).Error(ErrCantCreateStorage)
		return nil, fmt.Errorf("%w: %w", ErrCantCreateStorage, err)
	}
	return &Storage{path: basePath, l: l.WithField("storage_base_path", basePath)}, nil
}

// OpenStorage is NewStorage for read-mostly tools: a missing directory is an
// error instead of being created.
func OpenStorage(basePath string, l *log.Entry) (*Storage, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCantListBlobs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrCantListBlobs, basePath)
	}
	return &Storage{path: basePath, l: l.WithField("storage_base_path", basePath)}, nil
}

func (s *Storage) Path() string {
	return s.path
}

// SaveFile writes the blob under key and returns the number of bytes written.
// The data goes to a temp file first and is linked into place, so an existing
// blob is never overwritten and a failed write leaves nothing behind.
func (s *Storage) SaveFile(key string, file io.Reader) (int64, error) {
	blobPath, err := s.blobPath(key)
	if err != nil {
		return 0, err
	}
	l := s.l.WithField("storage_key", key)

	tmp, err := os.CreateTemp(s.path, "."+key+"-*"+tmpSuffix)
	if err != nil {
		l.WithError(err).Error(ErrCantCreateBlobFile)
		return 0, fmt.Errorf("%w: %w", ErrCantCreateBlobFile, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.WithError(err).WithField("tmp_path", tmpPath).Warning("can't remove temp file")
		}
	}()

	n, err := io.Copy(tmp, file)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		l.WithError(err).Error(ErrCantWriteBlobFile)
		return 0, fmt.Errorf("%w: %w", ErrCantWriteBlobFile, err)
	}

	if err := os.Link(tmpPath, blobPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			l.Error(ErrBlobExists)
			return 0, fmt.Errorf("%w: %s", ErrBlobExists, key)
		}
		l.WithError(err).Error(ErrCantCreateBlobFile)
		return 0, fmt.Errorf("%w: %w", ErrCantCreateBlobFile, err)
	}
	l.WithField("size", n).Debug("blob written")
	return n, nil
}

// GetFile opens the blob for reading. The caller closes it.
func (s *Storage) GetFile(key string) (*os.File, error) {
	blobPath, err := s.blobPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(blobPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		s.l.WithField("storage_key", key).WithError(err).Error(ErrCantReadBlob)
		return nil, fmt.Errorf("%w: %w", ErrCantReadBlob, err)
	}
	return f, nil
}

// Stat reports the blob size; ErrBlobNotFound if there is none.
func (s *Storage) Stat(key string) (int64, error) {
	blobPath, err := s.blobPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(blobPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("%w: %w", ErrCantReadBlob, err)
	}
	if !info.Mode().IsRegular() {
		return 0, ErrBlobNotFound
	}
	return info.Size(), nil
}

// RemoveFile deletes the blob. A missing blob is reported as ErrBlobNotFound
// so callers can tell it apart from a failed removal.
func (s *Storage) RemoveFile(key string) error {
	blobPath, err := s.blobPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(blobPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("%w: %w", ErrCantRemoveBlob, err)
	}
	return nil
}

// Scan lists the blobs batchSize directory entries at a time. Dot files (which
// include temp files of writes in progress) and subdirectories are skipped.
func (s *Storage) Scan(batchSize int, fn func([]Blob) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	dir, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCantListBlobs, err)
	}
	defer dir.Close()

	for {
		entries, err := dir.ReadDir(batchSize)
		blobs := make([]Blob, 0, len(entries))
		for _, e := range entries {
			if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, infoErr := e.Info()
			if infoErr != nil {
				// removed between ReadDir and Info
				continue
			}
			blobs = append(blobs, Blob{Key: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
		}
		if len(blobs) > 0 {
			if fnErr := fn(blobs); fnErr != nil {
				return fnErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCantListBlobs, err)
		}
	}
}

// blobPath resolves key inside the storage directory. Keys are plain file
// names; anything that could escape the directory is rejected.
func (s *Storage) blobPath(key string) (string, error) {
	if key == "" || key == "." || key == ".." ||
		strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") ||
		strings.HasSuffix(key, tmpSuffix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.path, key), nil
}
