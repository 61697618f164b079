package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalBucket keeps objects under a directory on disk.
type LocalBucket struct {
	root       string
	public     bool
	publicBase string
}

var _ Bucket = (*LocalBucket)(nil)

// NewLocalBucket creates root if needed. publicBase prefixes PublicURL, for
// example "/public/receipts".
func NewLocalBucket(root string, public bool, publicBase string) (*LocalBucket, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve receipts dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create receipts dir: %w", err)
	}
	return &LocalBucket{root: abs, public: public, publicBase: strings.TrimRight(publicBase, "/")}, nil
}

func (b *LocalBucket) resolve(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, p)
	}
	full := filepath.Join(b.root, filepath.FromSlash(clean))
	if !strings.HasPrefix(full, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return full, nil
}

func (b *LocalBucket) Put(ctx context.Context, p, contentType string, r io.Reader) (Object, error) {
	full, err := b.resolve(p)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object dir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return Object{}, fmt.Errorf("put %s: %w", p, ErrExists)
	}
	if err != nil {
		return Object{}, fmt.Errorf("create object: %w", err)
	}
	n, err := io.Copy(f, ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(full)
		return Object{}, fmt.Errorf("write object %s: %w", p, err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return Object{}, fmt.Errorf("stat object: %w", err)
	}
	return Object{Path: p, ContentType: ContentTypeFor(p), Size: n, Updated: info.ModTime()}, nil
}

func (b *LocalBucket) Open(ctx context.Context, p string) (io.ReadCloser, Object, error) {
	full, err := b.resolve(p)
	if err != nil {
		return nil, Object{}, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Object{}, fmt.Errorf("open %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, Object{}, fmt.Errorf("open object: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Object{}, fmt.Errorf("stat object: %w", err)
	}
	return f, Object{Path: p, ContentType: ContentTypeFor(p), Size: info.Size(), Updated: info.ModTime()}, nil
}

func (b *LocalBucket) Delete(ctx context.Context, p string) error {
	full, err := b.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", p, ErrNotFound)
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (b *LocalBucket) Public() bool {
	return b.public
}

func (b *LocalBucket) PublicURL(p string) string {
	return b.publicBase + "/" + EscapePath(p)
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
