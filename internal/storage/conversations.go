package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/kotoba/internal/fileid"
	"github.com/hyperjump/kotoba/internal/models"
)

// ConversationFiles keeps each identity's history in <dir>/<identity-key>.yaml.
// Every identity has its own file, so saves for different users never contend.
type ConversationFiles struct {
	dir string
}

// NewConversationFiles returns a store rooted at dir. The directory is created on first save.
func NewConversationFiles(dir string) *ConversationFiles {
	return &ConversationFiles{dir: dir}
}

// Path returns the file that holds identity's history.
func (c *ConversationFiles) Path(identity string) string {
	return filepath.Join(c.dir, fileid.IdentityKey(identity)+".yaml")
}

// Load reads identity's history. ok is false, with a nil error, when nothing was saved yet.
func (c *ConversationFiles) Load(identity string) (history *models.History, ok bool, err error) {
	path := c.Path(identity)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, &PersistenceError{Op: "load conversations", Path: path, Err: err}
	}

	var h models.History
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, false, &PersistenceError{Op: "load conversations", Path: path, Err: err}
	}
	if h.Identity != identity {
		return nil, false, &PersistenceError{
			Op:   "load conversations",
			Path: path,
			Err:  fmt.Errorf("%w: file belongs to %q", ErrIncompatible, h.Identity),
		}
	}
	if len(h.Conversations) == 0 {
		return nil, false, &PersistenceError{Op: "load conversations", Path: path, Err: errors.New("no conversations in file")}
	}
	if _, found := h.Conversations.Find(h.Active); !found {
		h.Active = h.Conversations[0].Name
	}
	return &h, true, nil
}

// Save atomically replaces identity's history file.
func (c *ConversationFiles) Save(history *models.History) error {
	path := c.Path(history.Identity)
	data, err := yaml.Marshal(history)
	if err != nil {
		return &PersistenceError{Op: "save conversations", Path: path, Err: err}
	}
	if err := AtomicWriteFile(path, data, 0600); err != nil {
		return &PersistenceError{Op: "save conversations", Path: path, Err: err}
	}
	return nil
}
