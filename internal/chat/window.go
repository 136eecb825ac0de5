package chat

import (
	"sync/atomic"

	"github.com/hyperjump/kotoba/internal/config"
	"github.com/hyperjump/kotoba/internal/models"
)

// Window returns the last min(n, len(messages)) messages in order.
// The result is a new slice; messages is never modified.
func Window(messages []models.Message, n int) []models.Message {
	if n <= 0 {
		return []models.Message{}
	}
	if n > len(messages) {
		n = len(messages)
	}
	out := make([]models.Message, n)
	copy(out, messages[len(messages)-n:])
	return out
}

// WindowConfig is the process-wide buffer window size. Changes apply to prompts
// assembled afterwards.
type WindowConfig struct {
	n atomic.Int64
}

// NewWindowConfig returns a window config set to n.
func NewWindowConfig(n int) (*WindowConfig, error) {
	w := &WindowConfig{}
	if err := w.Set(n); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns the current window size.
func (w *WindowConfig) Get() int { return int(w.n.Load()) }

// Set changes the window size. Values outside the recognised range are rejected.
func (w *WindowConfig) Set(n int) error {
	if err := config.ValidateBufferWindow(n); err != nil {
		return err
	}
	w.n.Store(int64(n))
	return nil
}
