package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gstorage "google.golang.org/api/storage/v1"
)

// GCSBucket stores receipts in a Google Cloud Storage bucket through the
// JSON API.
type GCSBucket struct {
	svc    *gstorage.Service
	bucket string
	public bool
}

var _ Bucket = (*GCSBucket)(nil)

// GCSScope is the OAuth scope the bucket needs.
const GCSScope = gstorage.DevstorageReadWriteScope

// GCSPublicHost serves objects of publicly readable buckets.
const GCSPublicHost = "https://storage.googleapis.com"

func NewGCSBucket(ctx context.Context, bucket string, public bool, opts ...option.ClientOption) (*GCSBucket, error) {
	svc, err := gstorage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage service: %w", err)
	}
	return &GCSBucket{svc: svc, bucket: bucket, public: public}, nil
}

func (b *GCSBucket) Put(ctx context.Context, p, contentType string, r io.Reader) (Object, error) {
	if _, err := CleanPath(p); err != nil {
		return Object{}, fmt.Errorf("%w: %q", err, p)
	}
	obj, err := b.svc.Objects.
		Insert(b.bucket, &gstorage.Object{Name: p, ContentType: contentType}).
		Media(r, googleapi.ContentType(contentType)).
		IfGenerationMatch(0).
		Context(ctx).
		Do()
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", p, mapGCSError(err))
	}
	return toObject(obj), nil
}

func (b *GCSBucket) Open(ctx context.Context, p string) (io.ReadCloser, Object, error) {
	if _, err := CleanPath(p); err != nil {
		return nil, Object{}, fmt.Errorf("%w: %q", err, p)
	}
	meta, err := b.svc.Objects.Get(b.bucket, p).Context(ctx).Do()
	if err != nil {
		return nil, Object{}, fmt.Errorf("stat %s: %w", p, mapGCSError(err))
	}
	resp, err := b.svc.Objects.Get(b.bucket, p).Context(ctx).Download()
	if err != nil {
		return nil, Object{}, fmt.Errorf("download %s: %w", p, mapGCSError(err))
	}
	return resp.Body, toObject(meta), nil
}

func (b *GCSBucket) Delete(ctx context.Context, p string) error {
	if _, err := CleanPath(p); err != nil {
		return fmt.Errorf("%w: %q", err, p)
	}
	if err := b.svc.Objects.Delete(b.bucket, p).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete %s: %w", p, mapGCSError(err))
	}
	return nil
}

func (b *GCSBucket) Public() bool {
	return b.public
}

func (b *GCSBucket) PublicURL(p string) string {
	return GCSPublicHost + "/" + b.bucket + "/" + EscapePath(p)
}

func toObject(o *gstorage.Object) Object {
	obj := Object{Path: o.Name, ContentType: o.ContentType, Size: int64(o.Size)}
	if t, err := time.Parse(time.RFC3339, o.Updated); err == nil {
		obj.Updated = t
	}
	return obj
}

func mapGCSError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %v", ErrExists, err)
		}
	}
	return err
}
