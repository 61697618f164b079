// Package blob stores receipt images and turns their paths into viewable
// URLs, either public or signed and time-limited.
package blob

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrExists      = errors.New("object already exists")
	ErrInvalidPath = errors.New("invalid object path")
)

// Object describes a stored receipt.
type Object struct {
	Path        string
	ContentType string
	Size        int64
	Updated     time.Time
}

// Bucket is a flat object store keyed by slash-separated paths.
type Bucket interface {
	// Put stores r under p. It never overwrites; an existing object yields ErrExists.
	Put(ctx context.Context, p, contentType string, r io.Reader) (Object, error)
	Open(ctx context.Context, p string) (io.ReadCloser, Object, error)
	Delete(ctx context.Context, p string) error
	// Public reports whether objects are readable without a signed link.
	Public() bool
	PublicURL(p string) string
}

// CleanPath validates an object path: relative, slash-separated, no dot
// segments and no empty segments.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	if path.Clean(p) != p {
		return "", ErrInvalidPath
	}
	return p, nil
}

// EscapePath escapes each segment of p for use in a URL path.
func EscapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// ContentTypeFor guesses a content type from the object extension.
func ContentTypeFor(p string) string {
	ext := strings.ToLower(path.Ext(p))
	switch ext {
	case ".heic":
		return "image/heic"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
