package blob

import (
	"context"
	"fmt"
	"io"
	"path"

	"carbook/internal/cache"
	"carbook/internal/core"
)

// Resolver turns receipt paths into viewable URLs and serves signed reads.
type Resolver struct {
	bucket Bucket
	signer *Signer
	urls   *cache.LRUCache[string]
}

// NewResolver caches signed links for half their lifetime so a cached link
// always has at least half its validity left when served.
func NewResolver(bucket Bucket, signer *Signer, cacheSize int) *Resolver {
	return &Resolver{
		bucket: bucket,
		signer: signer,
		urls:   cache.NewLRUCache[string](cacheSize, signer.TTL()/2),
	}
}

// Bucket returns the underlying store.
func (r *Resolver) Bucket() Bucket {
	return r.bucket
}

// Cache exposes the link cache for cleanup registration and metrics.
func (r *Resolver) Cache() *cache.LRUCache[string] {
	return r.urls
}

// URL returns a public URL when the bucket is public and a signed link
// otherwise.
func (r *Resolver) URL(p string) string {
	if r.bucket.Public() {
		return r.bucket.PublicURL(p)
	}
	if u, ok := r.urls.Get(p); ok {
		return u
	}
	u, _ := r.signer.Sign(p)
	r.urls.Set(p, u)
	return u
}

// Open verifies a signed link and opens the object it points at.
func (r *Resolver) Open(ctx context.Context, p, exp, sig string) (io.ReadCloser, Object, error) {
	if err := r.signer.Verify(p, exp, sig); err != nil {
		return nil, Object{}, err
	}
	return r.bucket.Open(ctx, p)
}

// OpenPublic opens an object without a signature; only public buckets allow it.
func (r *Resolver) OpenPublic(ctx context.Context, p string) (io.ReadCloser, Object, error) {
	if !r.bucket.Public() {
		return nil, Object{}, fmt.Errorf("public read of %s: %w", p, ErrNotFound)
	}
	return r.bucket.Open(ctx, p)
}

// Forget drops a cached link, e.g. after the object was deleted.
func (r *Resolver) Forget(p string) {
	r.urls.Delete(p)
}

// ReceiptURL pairs a receipt path with its viewable URL.
type ReceiptURL struct {
	Path string
	URL  string
	Name string
}

// ResolveAll resolves every path of a record in order.
func (r *Resolver) ResolveAll(paths []string) []ReceiptURL {
	out := make([]ReceiptURL, 0, len(paths))
	for _, p := range paths {
		out = append(out, ReceiptURL{Path: p, URL: r.URL(p), Name: path.Base(p)})
	}
	return out
}

// OwnedBy reports whether p lives under the user's prefix.
func OwnedBy(p, userID string) bool {
	return userID != "" && core.ReceiptOwner(p) == userID
}
