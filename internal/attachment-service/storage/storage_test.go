package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.FatalLevel)
	return l
}

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "uploads"), getLogger().WithField("test", t.Name()))
	require.NoError(t, err)
	return s
}

type readerWithError struct {
}

func (readerWithError) Read(_ []byte) (n int, err error) {
	return 0, errors.New("test error")
}

func TestNewStorage(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := NewStorage(filepath.Join(blocker, "uploads"), getLogger().WithField("test", "blocked"))
	assert.ErrorIs(t, err, ErrCantCreateStorage)

	_, err = OpenStorage(filepath.Join(base, "missing"), getLogger().WithField("test", "missing"))
	assert.ErrorIs(t, err, ErrCantListBlobs)
	_, err = OpenStorage(blocker, getLogger().WithField("test", "not a dir"))
	assert.ErrorIs(t, err, ErrCantListBlobs)
	_, err = OpenStorage(base, getLogger().WithField("test", "ok"))
	assert.NoError(t, err)
}

func TestStorage_SaveFile(t *testing.T) {
	s := newStorage(t)
	_, err := s.SaveFile("existing.pdf", strings.NewReader("first"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     string
		file    io.Reader
		want    string
		wantErr error
	}{
		{name: "empty key", key: "", file: strings.NewReader("x"), wantErr: ErrInvalidKey},
		{name: "path traversal", key: "../evil.pdf", file: strings.NewReader("x"), wantErr: ErrInvalidKey},
		{name: "nested path", key: "dir/file.pdf", file: strings.NewReader("x"), wantErr: ErrInvalidKey},
		{name: "hidden", key: ".hidden", file: strings.NewReader("x"), wantErr: ErrInvalidKey},
		{name: "can't write", key: "broken.pdf", file: readerWithError{}, wantErr: ErrCantWriteBlobFile},
		{name: "never overwrites", key: "existing.pdf", file: strings.NewReader("second"), wantErr: ErrBlobExists},
		{name: "success", key: "success.pdf", file: strings.NewReader("success"), want: "success"},
		{name: "empty blob", key: "empty.pdf", file: strings.NewReader(""), want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := s.SaveFile(tt.key, tt.file)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("unexpected error:\n%s", cmp.Diff(tt.wantErr, err, cmpopts.EquateErrors()))
			}
			if tt.wantErr != nil {
				return
			}
			assert.Equal(t, int64(len(tt.want)), n)
			got, err := os.ReadFile(filepath.Join(s.Path(), tt.key))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	t.Run("existing blob kept", func(t *testing.T) {
		got, err := os.ReadFile(filepath.Join(s.Path(), "existing.pdf"))
		require.NoError(t, err)
		assert.Equal(t, "first", string(got))
	})
	t.Run("no temp files left", func(t *testing.T) {
		entries, err := os.ReadDir(s.Path())
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasSuffix(e.Name(), tmpSuffix), "leftover %s", e.Name())
		}
	})
}

func TestStorage_GetFile(t *testing.T) {
	s := newStorage(t)
	_, err := s.SaveFile("file1.txt", strings.NewReader("Now you see me"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr error
	}{
		{name: "empty", wantErr: ErrInvalidKey},
		{name: "valid file", key: "file1.txt", want: "Now you see me"},
		{name: "can't find", key: "file2.txt", wantErr: ErrBlobNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := s.GetFile(tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			defer f.Close()
			got, err := io.ReadAll(f)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, string(got)); diff != "" {
				t.Errorf("GetFile()\n%s", diff)
			}
		})
	}
}

func TestStorage_StatRemove(t *testing.T) {
	s := newStorage(t)
	_, err := s.SaveFile("a.pdf", strings.NewReader("12345"))
	require.NoError(t, err)

	size, err := s.Stat("a.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, s.RemoveFile("a.pdf"))
	_, err = s.Stat("a.pdf")
	assert.ErrorIs(t, err, ErrBlobNotFound)
	assert.ErrorIs(t, s.RemoveFile("a.pdf"), ErrBlobNotFound)
	assert.ErrorIs(t, s.RemoveFile("../a.pdf"), ErrInvalidKey)
}

func TestStorage_Scan(t *testing.T) {
	s := newStorage(t)
	want := []Blob{}
	for _, key := range []string{"a.pdf", "b.png", "c.jpg", "d.pdf", "e.pdf"} {
		_, err := s.SaveFile(key, strings.NewReader(key))
		require.NoError(t, err)
		want = append(want, Blob{Key: key, Size: int64(len(key))})
	}
	require.NoError(t, os.Mkdir(filepath.Join(s.Path(), "subdir"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(s.Path(), ".x.pdf-1"+tmpSuffix), []byte("partial"), 0o600))

	var got []Blob
	calls := 0
	err := s.Scan(2, func(blobs []Blob) error {
		calls++
		got = append(got, blobs...)
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 3)
	for _, b := range got {
		assert.False(t, b.ModTime.IsZero())
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Key < got[j].Key })
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Blob{}, "ModTime")); diff != "" {
		t.Errorf("Scan()\n%s", diff)
	}

	stop := errors.New("stop")
	assert.ErrorIs(t, s.Scan(2, func([]Blob) error { return stop }), stop)
}
