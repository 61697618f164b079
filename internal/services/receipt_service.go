package services

import (
	"context"
	"io"

	"carbook/internal/blob"
	"carbook/internal/cache"
	"carbook/internal/storage"
)

// ReceiptService exposes receipt images to their owners.
type ReceiptService struct {
	repo     *storage.Repository
	resolver *blob.Resolver
}

func NewReceiptService(repo *storage.Repository, resolver *blob.Resolver) *ReceiptService {
	return &ReceiptService{repo: repo, resolver: resolver}
}

// Resolve returns a viewable URL for every receipt of a record, in stored
// order.
func (s *ReceiptService) Resolve(ctx context.Context, userID, recordID string) ([]blob.ReceiptURL, error) {
	rec, err := s.repo.GetRecord(ctx, userID, recordID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return s.resolver.ResolveAll(rec.ReceiptPaths), nil
}

// Open streams an object addressed by a signed link.
func (s *ReceiptService) Open(ctx context.Context, p, exp, sig string) (io.ReadCloser, blob.Object, error) {
	return s.resolver.Open(ctx, p, exp, sig)
}

// OpenPublic streams an object from a public bucket.
func (s *ReceiptService) OpenPublic(ctx context.Context, p string) (io.ReadCloser, blob.Object, error) {
	return s.resolver.OpenPublic(ctx, p)
}

func (s *ReceiptService) Public() bool {
	return s.resolver.Bucket().Public()
}

// LinkCache exposes the signed link cache for cleanup and metrics.
func (s *ReceiptService) LinkCache() *cache.LRUCache[string] {
	return s.resolver.Cache()
}
