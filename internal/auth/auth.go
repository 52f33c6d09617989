// Package auth supplies the optional bearer token attached to assistant requests.
package auth

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// TokenSource yields the current bearer token. An empty token means the
// caller is unauthenticated, which is not an error.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Static always returns token.
func Static(token string) TokenSource {
	token = strings.TrimSpace(token)
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

// File reads the token from path on every call so that rotated tokens are
// picked up. A missing file yields no token.
func File(path string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) {
		if path == "" {
			return "", nil
		}
		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", errors.Wrap(err, "read token file")
		}
		return strings.TrimSpace(string(b)), nil
	})
}

// Chain returns the first non-empty token. Errors from a source are returned
// only when no later source produces a token.
func Chain(sources ...TokenSource) TokenSource {
	return TokenFunc(func(ctx context.Context) (string, error) {
		var firstErr error
		for _, s := range sources {
			if s == nil {
				continue
			}
			token, err := s.Token(ctx)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if token != "" {
				return token, nil
			}
		}
		return "", firstErr
	})
}
