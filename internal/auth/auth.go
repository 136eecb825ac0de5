// Package auth resolves the credentials a user session passes to the generation backend.
//
// Resolution is two-step: a Restorer is asked for saved credentials first, and a
// LoginFunc runs only when the restorer reports that none exist. A restore error
// is returned to the caller and never treated as "no credentials".
package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// TokenEnv is the environment variable EnvLogin reads.
const TokenEnv = "KOTOBA_API_TOKEN"

// ErrNoCredentials is returned by a LoginFunc that has nothing to offer.
var ErrNoCredentials = errors.New("no credentials available")

// Credentials identify a user to the generation backend.
type Credentials struct {
	Identity string    `yaml:"identity"`
	Token    string    `yaml:"token"`
	SavedAt  time.Time `yaml:"saved_at"`
}

// Restorer looks up previously saved credentials.
type Restorer interface {
	// TryRestore returns ok == false with a nil error when nothing is saved for identity.
	TryRestore(ctx context.Context, identity string) (creds Credentials, ok bool, err error)
}

// LoginFunc obtains fresh credentials for identity.
type LoginFunc func(ctx context.Context, identity string) (Credentials, error)

// Resolve returns saved credentials when restorer has them, and otherwise calls login.
// fresh reports whether the credentials came from login and should be saved.
func Resolve(ctx context.Context, identity string, restorer Restorer, login LoginFunc) (creds Credentials, fresh bool, err error) {
	if restorer != nil {
		creds, ok, err := restorer.TryRestore(ctx, identity)
		if err != nil {
			return Credentials{}, false, fmt.Errorf("restore credentials: %w", err)
		}
		if ok {
			return creds, false, nil
		}
	}
	if login == nil {
		return Credentials{}, false, ErrNoCredentials
	}
	creds, err = login(ctx, identity)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("login: %w", err)
	}
	creds.Identity = identity
	return creds, true, nil
}

// EnvLogin reads the token from KOTOBA_API_TOKEN. getenv defaults to os.Getenv.
func EnvLogin(getenv func(string) string) LoginFunc {
	if getenv == nil {
		getenv = os.Getenv
	}
	return func(_ context.Context, identity string) (Credentials, error) {
		token := strings.TrimSpace(getenv(TokenEnv))
		if token == "" {
			return Credentials{}, ErrNoCredentials
		}
		return Credentials{Identity: identity, Token: token}, nil
	}
}

// PromptLogin asks for a token on out and reads one line from in.
// An empty answer yields credentials without a token.
func PromptLogin(in io.Reader, out io.Writer) LoginFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, identity string) (Credentials, error) {
		if err := ctx.Err(); err != nil {
			return Credentials{}, err
		}
		fmt.Fprintf(out, "API token for %s (leave empty for none): ", identity)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return Credentials{}, ErrNoCredentials
			}
			return Credentials{}, err
		}
		return Credentials{Identity: identity, Token: strings.TrimSpace(line)}, nil
	}
}

// FirstOf tries each login in turn, moving on only when one returns ErrNoCredentials.
func FirstOf(logins ...LoginFunc) LoginFunc {
	return func(ctx context.Context, identity string) (Credentials, error) {
		for _, login := range logins {
			creds, err := login(ctx, identity)
			if errors.Is(err, ErrNoCredentials) {
				continue
			}
			return creds, err
		}
		return Credentials{}, ErrNoCredentials
	}
}
