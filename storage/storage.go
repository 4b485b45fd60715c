// Package storage manages the two on-disk media areas: a transient incoming
// directory for freshly uploaded files and a durable archive directory for
// files that have been through the captioning pass.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Upload is one raw file payload from a request.
type Upload struct {
	Filename string
	Data     []byte
}

// StoredImage is a file persisted under a generated id. The id keeps the
// original extension so image type survives the rename.
type StoredImage struct {
	ID   string
	Path string
}

// StorageError wraps a filesystem failure for a single file.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// MediaStore owns the lifecycle of files in the incoming and archive areas.
type MediaStore struct {
	incoming string
	archive  string
}

// NewMediaStore creates both directories if needed.
func NewMediaStore(incoming, archive string) (*MediaStore, error) {
	for _, dir := range []string{incoming, archive} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return &MediaStore{incoming: incoming, archive: archive}, nil
}

// Persist writes each upload into the incoming area under a fresh uuid name.
// Files are written independently: on failure, earlier files stay on disk and
// the successfully stored images are returned alongside the error.
func (s *MediaStore) Persist(uploads []Upload) ([]StoredImage, error) {
	stored := make([]StoredImage, 0, len(uploads))
	for _, up := range uploads {
		ext := filepath.Ext(up.Filename)
		id := uuid.NewString() + ext
		path := filepath.Join(s.incoming, id)
		if err := os.WriteFile(path, up.Data, 0o644); err != nil {
			return stored, &StorageError{Op: "write", Path: path, Err: err}
		}
		stored = append(stored, StoredImage{ID: id, Path: path})
	}
	return stored, nil
}

// ListIncoming snapshots the incoming area at call time.
func (s *MediaStore) ListIncoming() ([]StoredImage, error) {
	entries, err := os.ReadDir(s.incoming)
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.incoming, Err: err}
	}
	images := make([]StoredImage, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		images = append(images, StoredImage{
			ID:   entry.Name(),
			Path: filepath.Join(s.incoming, entry.Name()),
		})
	}
	return images, nil
}

// Archive moves every file in the incoming area to the archive area,
// preserving names. An already-empty incoming area is a no-op.
func (s *MediaStore) Archive() error {
	entries, err := os.ReadDir(s.incoming)
	if err != nil {
		return &StorageError{Op: "list", Path: s.incoming, Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(s.incoming, entry.Name())
		dst := filepath.Join(s.archive, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return &StorageError{Op: "move", Path: src, Err: err}
		}
	}
	return nil
}

// Locate finds an id's file, checking the incoming area first and then the
// archive. Queued ingest tasks use this: by the time a task runs, an earlier
// task's directory-level archival may already have moved its files.
func (s *MediaStore) Locate(id string) (StoredImage, error) {
	for _, path := range []string{s.IncomingPath(id), s.ArchivePath(id)} {
		if _, err := os.Stat(path); err == nil {
			return StoredImage{ID: id, Path: path}, nil
		}
	}
	return StoredImage{}, &StorageError{Op: "locate", Path: id, Err: os.ErrNotExist}
}

// IncomingPath returns the path an id would have in the incoming area.
func (s *MediaStore) IncomingPath(id string) string {
	return filepath.Join(s.incoming, id)
}

// ArchivePath returns the path an id has once archived. This is also the
// image_path stored as vector metadata and returned by search.
func (s *MediaStore) ArchivePath(id string) string {
	return filepath.Join(s.archive, id)
}
