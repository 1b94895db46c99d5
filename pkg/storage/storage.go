package storage

import (
	"context"
	"io"
)

type UploadInput struct {
	Key         string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Object is a retrieved stored object. Body must be closed by the caller.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

type Service interface {
	PutObject(ctx context.Context, in UploadInput) (string, error)
	GetObject(ctx context.Context, key string) (*Object, error)
	DeleteObject(ctx context.Context, key string) error
}
