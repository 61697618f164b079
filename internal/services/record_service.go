package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"carbook/internal/amqp"
	"carbook/internal/blob"
	"carbook/internal/cache"
	"carbook/internal/core"
	"carbook/internal/log"
	"carbook/internal/storage"
)

const (
	// MaxUploads caps the receipts accepted in one save.
	MaxUploads        = 10
	uploadConcurrency = 4
	summaryCacheSize  = 256
	summaryCacheTTL   = 10 * time.Minute
)

// Upload is a receipt image submitted with a record.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// RecordService orchestrates record writes across the database, the receipt
// bucket and AMQP.
type RecordService struct {
	repo      *storage.Repository
	bucket    blob.Bucket
	resolver  *blob.Resolver
	publisher Publisher
	summaries *cache.LRUCache[core.MonthSummary]
	now       func() time.Time

	// generations counts invalidations per user and vehicle so a summary
	// computed across a write is not cached.
	genMu       sync.Mutex
	generations map[string]uint64
}

func NewRecordService(repo *storage.Repository, resolver *blob.Resolver, publisher Publisher) *RecordService {
	return &RecordService{
		repo:        repo,
		bucket:      resolver.Bucket(),
		resolver:    resolver,
		publisher:   publisher,
		summaries:   cache.NewLRUCache[core.MonthSummary](summaryCacheSize, summaryCacheTTL),
		now:         time.Now,
		generations: make(map[string]uint64),
	}
}

// SummaryCache exposes the month summary cache for cleanup and metrics.
func (s *RecordService) SummaryCache() *cache.LRUCache[core.MonthSummary] {
	return s.summaries
}

// Save creates the record when rec.ID is empty and updates it otherwise, then
// uploads and attaches the receipts. When an upload fails the record and the
// receipts stored so far are kept and the error is returned with them.
func (s *RecordService) Save(ctx context.Context, userID string, rec core.Record, uploads []Upload) (core.Record, error) {
	if len(uploads) > MaxUploads {
		return core.Record{}, fmt.Errorf("%w (max %d)", ErrTooManyUploads, MaxUploads)
	}
	rec.UserID = userID
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return core.Record{}, err
	}
	if _, err := s.repo.GetVehicle(ctx, userID, rec.VehicleID); err != nil {
		return core.Record{}, mapNotFound(err)
	}

	now := s.now()
	op := log.OpUpdate
	if rec.ID == "" {
		op = log.OpCreate
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		rec.ReceiptPaths = nil
		if err := s.repo.CreateRecord(ctx, rec); err != nil {
			return core.Record{}, err
		}
	} else {
		existing, err := s.repo.GetRecord(ctx, userID, rec.ID)
		if err != nil {
			return core.Record{}, mapNotFound(err)
		}
		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = now
		rec.ReceiptPaths = existing.ReceiptPaths
		if err := s.repo.UpdateRecord(ctx, rec); err != nil {
			return core.Record{}, mapNotFound(err)
		}
		s.invalidate(userID, existing.VehicleID)
	}

	uploaded, uploadErr := s.upload(ctx, rec, uploads)
	if len(uploaded) > 0 {
		merged, err := s.repo.AddReceiptPaths(ctx, userID, rec.ID, uploaded)
		if err != nil {
			return rec, fmt.Errorf("attach receipts: %w", err)
		}
		rec.ReceiptPaths = merged
	}

	s.invalidate(userID, rec.VehicleID)
	log.FromContext(ctx).LogRecordSaved(ctx, rec, op)
	publish(ctx, s.publisher, amqp.NewRecordSaved(rec))

	if uploadErr != nil {
		return rec, fmt.Errorf("upload receipts: %w", uploadErr)
	}
	return rec, nil
}

// upload stores receipts concurrently. It returns the paths that made it, in
// submission order, alongside the first error.
func (s *RecordService) upload(ctx context.Context, rec core.Record, uploads []Upload) ([]string, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	paths := make([]string, len(uploads))
	var mu sync.Mutex

	// Uploads are independent: one failure must not abort the others.
	var g errgroup.Group
	g.SetLimit(uploadConcurrency)
	for i, up := range uploads {
		g.Go(func() error {
			p := core.ReceiptPath(rec.UserID, rec.VehicleID, rec.ID, uuid.NewString(), up.Filename)
			if _, err := s.bucket.Put(ctx, p, core.ReceiptContentType(up.ContentType), up.Body); err != nil {
				return fmt.Errorf("%s: %w", up.Filename, err)
			}
			mu.Lock()
			paths[i] = p
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, err
}

// Get returns a record owned by the user.
func (s *RecordService) Get(ctx context.Context, userID, id string) (core.Record, error) {
	rec, err := s.repo.GetRecord(ctx, userID, id)
	return rec, mapNotFound(err)
}

// Recent returns the latest records of a vehicle.
func (s *RecordService) Recent(ctx context.Context, userID, vehicleID string) ([]core.Record, error) {
	return s.repo.ListRecentRecords(ctx, userID, vehicleID, storage.DefaultRecentLimit)
}

// MonthTotal sums ym over the recent listing, so it matches what the page
// shows rather than the full history.
func (s *RecordService) MonthTotal(ctx context.Context, userID, vehicleID, ym string) (core.Money, error) {
	if _, _, err := core.ParseYearMonth(ym); err != nil {
		return core.Money{}, err
	}
	recs, err := s.Recent(ctx, userID, vehicleID)
	if err != nil {
		return core.Money{}, err
	}
	return core.MonthTotal(recs, ym), nil
}

// MonthSummary aggregates every record of the month by category.
func (s *RecordService) MonthSummary(ctx context.Context, userID, vehicleID, ym string) (core.MonthSummary, error) {
	year, month, err := core.ParseYearMonth(ym)
	if err != nil {
		return core.MonthSummary{}, err
	}
	ym = core.FormatYearMonth(year, month)
	prefix := summaryKey(userID, vehicleID)
	key := prefix + ym
	if sum, ok := s.summaries.Get(key); ok {
		return sum, nil
	}
	gen := s.generation(prefix)

	from, to := core.MonthRange(core.NewDate(year, month, 1))
	recs, err := s.repo.ListRecordsBetween(ctx, userID, vehicleID, from, to)
	if err != nil {
		return core.MonthSummary{}, err
	}
	sum, err := core.SummarizeMonth(recs, ym)
	if err != nil {
		return core.MonthSummary{}, err
	}
	s.storeSummary(prefix, gen, key, sum)
	return sum, nil
}

// Delete removes a record and hands its receipts to the worker for cleanup.
func (s *RecordService) Delete(ctx context.Context, userID, id string) error {
	rec, err := s.repo.GetRecord(ctx, userID, id)
	if err != nil {
		return mapNotFound(err)
	}
	state, err := s.repo.SyncState(ctx, userID, id)
	if err != nil {
		return mapNotFound(err)
	}
	paths, err := s.repo.DeleteRecord(ctx, userID, id)
	if err != nil {
		return mapNotFound(err)
	}
	rec.ReceiptPaths = paths
	for _, p := range paths {
		s.resolver.Forget(p)
	}
	s.invalidate(userID, rec.VehicleID)
	publish(ctx, s.publisher, amqp.NewRecordDeleted(rec, state.ExportedYear))
	return nil
}

// RemoveReceipt detaches one receipt and deletes the object. A failed object
// delete is only logged; the path is already gone from the record.
func (s *RecordService) RemoveReceipt(ctx context.Context, userID, recordID, p string) error {
	if !blob.OwnedBy(p, userID) {
		return fmt.Errorf("%w: receipt %s", ErrNotFound, p)
	}
	rec, err := s.repo.GetRecord(ctx, userID, recordID)
	if err != nil {
		return mapNotFound(err)
	}
	if err := s.repo.RemoveReceiptPath(ctx, userID, recordID, p); err != nil {
		return mapNotFound(err)
	}
	s.resolver.Forget(p)
	if err := s.bucket.Delete(ctx, p); err != nil && !errors.Is(err, blob.ErrNotFound) {
		slog.WarnContext(ctx, "Failed to delete receipt object",
			log.FieldComponent, log.ComponentReceipts,
			log.FieldReceipt, p,
			log.FieldError, err)
	}

	rec.ReceiptPaths = removePath(rec.ReceiptPaths, p)
	rec.UpdatedAt = s.now()
	publish(ctx, s.publisher, amqp.NewRecordSaved(rec))
	return nil
}

func (s *RecordService) invalidate(userID, vehicleID string) {
	prefix := summaryKey(userID, vehicleID)
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[prefix]++
	s.summaries.DeletePrefix(prefix)
}

func (s *RecordService) generation(prefix string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[prefix]
}

// storeSummary caches sum unless the vehicle's records changed since gen.
func (s *RecordService) storeSummary(prefix string, gen uint64, key string, sum core.MonthSummary) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generations[prefix] == gen {
		s.summaries.Set(key, sum)
	}
}

func summaryKey(userID, vehicleID string) string {
	return strings.Join([]string{userID, vehicleID, ""}, ":")
}

func removePath(paths []string, p string) []string {
	out := make([]string, 0, len(paths))
	for _, q := range paths {
		if q != p {
			out = append(out, q)
		}
	}
	return out
}
