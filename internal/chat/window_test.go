package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kotoba/internal/models"
)

func msgs(contents ...string) []models.Message {
	out := make([]models.Message, len(contents))
	for i, c := range contents {
		out[i] = models.Message{Role: models.RoleUser, Content: c}
	}
	return out
}

func TestWindow(t *testing.T) {
	m := msgs("m1", "m2", "m3", "m4")
	assert.Equal(t, msgs("m3", "m4"), Window(m, 2))
	assert.Equal(t, []models.Message{}, Window(m, 0))
	assert.Equal(t, []models.Message{}, Window(m, -1))
	assert.Equal(t, m, Window(m, 10))
	assert.Equal(t, []models.Message{}, Window(nil, 3))
}

func TestWindow_SuffixProperty(t *testing.T) {
	for size := 0; size <= 6; size++ {
		contents := make([]string, size)
		for i := range contents {
			contents[i] = fmt.Sprintf("m%d", i)
		}
		m := msgs(contents...)
		orig := msgs(contents...)

		for n := 0; n <= 8; n++ {
			got := Window(m, n)
			want := n
			if size < n {
				want = size
			}
			require.Len(t, got, want, "size=%d n=%d", size, n)
			assert.Equal(t, m[size-want:], got)
			assert.Equal(t, orig, m, "input mutated")
		}
	}
}

func TestWindow_DoesNotAlias(t *testing.T) {
	m := msgs("a", "b")
	got := Window(m, 2)
	got[0].Content = "changed"
	assert.Equal(t, "a", m[0].Content)
}

func TestWindowConfig(t *testing.T) {
	w, err := NewWindowConfig(10)
	require.NoError(t, err)
	assert.Equal(t, 10, w.Get())

	require.NoError(t, w.Set(0))
	assert.Equal(t, 0, w.Get())
	require.NoError(t, w.Set(20))

	assert.Error(t, w.Set(21))
	assert.Error(t, w.Set(-1))
	assert.Equal(t, 20, w.Get())

	_, err = NewWindowConfig(99)
	assert.Error(t, err)
}
