package auth

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kotoba/internal/storage"
)

type fakeRestorer struct {
	creds Credentials
	ok    bool
	err   error
}

func (f fakeRestorer) TryRestore(context.Context, string) (Credentials, bool, error) {
	return f.creds, f.ok, f.err
}

func loginReturning(token string, called *bool) LoginFunc {
	return func(_ context.Context, identity string) (Credentials, error) {
		*called = true
		return Credentials{Token: token}, nil
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("restored credentials skip login", func(t *testing.T) {
		called := false
		saved := Credentials{Identity: "ada@example.com", Token: "old"}
		creds, fresh, err := Resolve(ctx, "ada@example.com", fakeRestorer{creds: saved, ok: true}, loginReturning("new", &called))
		require.NoError(t, err)
		assert.False(t, fresh)
		assert.False(t, called)
		assert.Equal(t, "old", creds.Token)
	})

	t.Run("nothing saved falls back to login", func(t *testing.T) {
		called := false
		creds, fresh, err := Resolve(ctx, "ada@example.com", fakeRestorer{}, loginReturning("new", &called))
		require.NoError(t, err)
		assert.True(t, fresh)
		assert.True(t, called)
		assert.Equal(t, Credentials{Identity: "ada@example.com", Token: "new"}, creds)
	})

	t.Run("restore error is not treated as absent", func(t *testing.T) {
		called := false
		boom := errors.New("permission denied")
		_, _, err := Resolve(ctx, "ada@example.com", fakeRestorer{err: boom}, loginReturning("new", &called))
		assert.ErrorIs(t, err, boom)
		assert.False(t, called)
	})

	t.Run("no restorer and no login", func(t *testing.T) {
		_, _, err := Resolve(ctx, "ada@example.com", nil, nil)
		assert.ErrorIs(t, err, ErrNoCredentials)
	})
}

func TestEnvLogin(t *testing.T) {
	env := map[string]string{TokenEnv: "  abc  "}
	creds, err := EnvLogin(func(k string) string { return env[k] })(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "abc", creds.Token)

	_, err = EnvLogin(func(string) string { return "" })(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestPromptLogin(t *testing.T) {
	var out bytes.Buffer
	creds, err := PromptLogin(strings.NewReader("tok-123\n"), &out)(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", creds.Token)
	assert.Contains(t, out.String(), "ada@example.com")

	creds, err = PromptLogin(strings.NewReader("no-newline"), &out)(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, "no-newline", creds.Token)

	_, err = PromptLogin(strings.NewReader(""), &out)(context.Background(), "ada")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestFirstOf(t *testing.T) {
	none := EnvLogin(func(string) string { return "" })
	prompt := PromptLogin(strings.NewReader("typed\n"), &bytes.Buffer{})
	creds, err := FirstOf(none, prompt)(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, "typed", creds.Token)

	_, err = FirstOf(none)(context.Background(), "ada")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	fs := NewFileStore(t.TempDir())

	_, ok, err := fs.TryRestore(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.Save(Credentials{Identity: "ada@example.com", Token: "t1"}))
	info, err := os.Stat(fs.Path("ada@example.com"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	creds, ok, err := fs.TryRestore(ctx, "ada@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", creds.Token)
	assert.False(t, creds.SavedAt.IsZero())

	require.NoError(t, fs.Delete("ada@example.com"))
	require.NoError(t, fs.Delete("ada@example.com"))
	_, ok, err = fs.TryRestore(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_CorruptSnapshot(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	require.NoError(t, os.WriteFile(fs.Path("ada"), []byte("identity: [unterminated"), 0600))

	_, ok, err := fs.TryRestore(context.Background(), "ada")
	assert.False(t, ok)
	var pe *storage.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "load credentials", pe.Op)

	called := false
	_, _, err = Resolve(context.Background(), "ada", fs, loginReturning("x", &called))
	assert.Error(t, err)
	assert.False(t, called)
}

func TestFileStore_ForeignSnapshot(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	require.NoError(t, os.WriteFile(fs.Path("ada"), []byte("identity: eve\ntoken: x\n"), 0600))
	_, _, err := fs.TryRestore(context.Background(), "ada")
	assert.ErrorIs(t, err, storage.ErrIncompatible)
}
