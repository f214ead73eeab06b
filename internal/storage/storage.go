// Package storage holds the blob stores behind the self-hosted backup API.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotExist = errors.New("object does not exist")

type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type Provider interface {
	// Upload stores size bytes read from data under key. A size of -1 means
	// unknown.
	Upload(ctx context.Context, key string, data io.Reader, size int64) error

	Download(ctx context.Context, key string) (io.ReadCloser, error)

	Stat(ctx context.Context, key string) (*Object, error)

	Delete(ctx context.Context, key string) error

	List(ctx context.Context, prefix string) ([]Object, error)
}

// Presigner is implemented by providers that can hand out a time-limited
// direct download URL.
type Presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
