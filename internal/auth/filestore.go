package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/kotoba/internal/fileid"
	"github.com/hyperjump/kotoba/internal/storage"
)

// FileStore keeps one credentials snapshot per identity in <dir>/<identity-key>.yaml.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

// Path returns the snapshot file for identity.
func (f *FileStore) Path(identity string) string {
	return filepath.Join(f.dir, fileid.IdentityKey(identity)+".yaml")
}

// TryRestore implements Restorer.
func (f *FileStore) TryRestore(ctx context.Context, identity string) (Credentials, bool, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, false, err
	}
	path := f.Path(identity)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, false, nil
		}
		return Credentials{}, false, &storage.PersistenceError{Op: "load credentials", Path: path, Err: err}
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, false, &storage.PersistenceError{Op: "load credentials", Path: path, Err: err}
	}
	if creds.Identity != identity {
		return Credentials{}, false, &storage.PersistenceError{
			Op:   "load credentials",
			Path: path,
			Err:  fmt.Errorf("%w: file belongs to %q", storage.ErrIncompatible, creds.Identity),
		}
	}
	return creds, true, nil
}

// Save writes creds, readable only by the owner.
func (f *FileStore) Save(creds Credentials) error {
	path := f.Path(creds.Identity)
	if creds.SavedAt.IsZero() {
		creds.SavedAt = f.now().UTC()
	}
	data, err := yaml.Marshal(creds)
	if err != nil {
		return &storage.PersistenceError{Op: "save credentials", Path: path, Err: err}
	}
	if err := storage.AtomicWriteFile(path, data, 0600); err != nil {
		return &storage.PersistenceError{Op: "save credentials", Path: path, Err: err}
	}
	return nil
}

// Delete removes the snapshot for identity. Missing files are not an error.
func (f *FileStore) Delete(identity string) error {
	path := f.Path(identity)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &storage.PersistenceError{Op: "delete credentials", Path: path, Err: err}
	}
	return nil
}
