package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"carbook/internal/amqp"
	"carbook/internal/auth"
	"carbook/internal/blob"
	"carbook/internal/core"
	"carbook/internal/sheets"
	"carbook/internal/storage"
)

// SyncWorker mirrors records into the sheet export, removes receipt objects
// of deleted records and delivers queued mail.
type SyncWorker struct {
	storage   *storage.Repository
	exporter  sheets.RecordExporter
	bucket    blob.Bucket
	mailer    auth.Mailer
	batchSize int
}

func NewSyncWorker(storage *storage.Repository, exporter sheets.RecordExporter, bucket blob.Bucket, mailer auth.Mailer, batchSize int) *SyncWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &SyncWorker{
		storage:   storage,
		exporter:  exporter,
		bucket:    bucket,
		mailer:    mailer,
		batchSize: batchSize,
	}
}

// HandleRecordMessage processes one message from the records queue.
func (w *SyncWorker) HandleRecordMessage(ctx context.Context, msg amqp.Message) error {
	ev, err := amqp.RecordEventFromJSON(msg.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", amqp.ErrPoison, err)
	}

	slog.InfoContext(ctx, "Processing record event",
		"component", "worker",
		"event", ev.Type,
		"record_id", ev.RecordID,
		"attempt", msg.Attempt)

	switch ev.Type {
	case amqp.KeyRecordSaved:
		rec, err := w.storage.GetRecord(ctx, ev.UserID, ev.RecordID)
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted before we got to it; the delete event handles the rest.
			return nil
		}
		if err != nil {
			return fmt.Errorf("get record from storage: %w", err)
		}
		return w.syncRecord(ctx, rec)

	case amqp.KeyRecordDeleted:
		if err := w.exporter.Delete(ctx, ev.RecordID, ev.Year); err != nil {
			return fmt.Errorf("delete export row: %w", err)
		}
		if ev.ExportedYear != 0 && ev.ExportedYear != ev.Year {
			if err := w.exporter.Delete(ctx, ev.RecordID, ev.ExportedYear); err != nil {
				return fmt.Errorf("delete export row of %d: %w", ev.ExportedYear, err)
			}
		}
		w.deleteObjects(ctx, ev.ReceiptPaths)
		return nil

	case amqp.KeyVehicleDeleted:
		w.deleteObjects(ctx, ev.ReceiptPaths)
		return nil
	}
	return fmt.Errorf("%w: unknown event type %q", amqp.ErrPoison, ev.Type)
}

// HandleMailMessage delivers a queued magic link.
func (w *SyncWorker) HandleMailMessage(ctx context.Context, msg amqp.Message) error {
	m, err := amqp.MagicLinkMessageFromJSON(msg.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", amqp.ErrPoison, err)
	}
	if err := w.mailer.SendMagicLink(ctx, m.Email, m.Link, m.ExpiresAt); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	return nil
}

// ProcessPending exports records still marked pending or failed. It is the
// backstop for events lost while the broker was unreachable.
func (w *SyncWorker) ProcessPending(ctx context.Context) (int, error) {
	pending, err := w.storage.ListPendingSync(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("get pending records: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	slog.InfoContext(ctx, "Processing pending records", "component", "worker", "count", len(pending))

	synced := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if err := w.syncRecord(ctx, rec); err != nil {
			slog.ErrorContext(ctx, "Failed to sync record", "component", "worker", "record_id", rec.ID, "error", err)
			continue
		}
		synced++
	}
	return synced, nil
}

func (w *SyncWorker) syncRecord(ctx context.Context, rec core.Record) error {
	vehicleName := ""
	if v, err := w.storage.GetVehicle(ctx, rec.UserID, rec.VehicleID); err == nil {
		vehicleName = v.Name
	}

	year := rec.Date.Year()
	if err := w.export(ctx, rec, vehicleName); err != nil {
		if markErr := w.storage.MarkSyncError(ctx, rec.ID, err); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark sync error", "component", "worker", "record_id", rec.ID, "error", markErr)
		}
		return fmt.Errorf("export record: %w", err)
	}

	if err := w.storage.MarkSynced(ctx, rec.ID, year); err != nil {
		// The export itself worked; a later sweep will just rewrite the row.
		slog.ErrorContext(ctx, "Failed to mark as synced", "component", "worker", "record_id", rec.ID, "error", err)
	}

	slog.InfoContext(ctx, "Successfully synced record",
		"component", "worker",
		"record_id", rec.ID,
		"cost_cents", rec.Cost.Cents)
	return nil
}

// export writes the row into the tab of the record's year and drops the row
// left in another tab when the date moved across a year boundary.
func (w *SyncWorker) export(ctx context.Context, rec core.Record, vehicleName string) error {
	state, err := w.storage.SyncState(ctx, rec.UserID, rec.ID)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	if err := w.exporter.Upsert(ctx, sheets.Row{Record: rec, VehicleName: vehicleName}); err != nil {
		return err
	}
	if old := state.ExportedYear; old != 0 && old != rec.Date.Year() {
		if err := w.exporter.Delete(ctx, rec.ID, old); err != nil {
			return fmt.Errorf("delete export row of %d: %w", old, err)
		}
		slog.InfoContext(ctx, "Moved export row", "component", "worker", "record_id", rec.ID, "from_year", old, "to_year", rec.Date.Year())
	}
	return nil
}

func (w *SyncWorker) deleteObjects(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := w.bucket.Delete(ctx, p); err != nil && !errors.Is(err, blob.ErrNotFound) {
			slog.WarnContext(ctx, "Failed to delete receipt object", "component", "worker", "receipt_path", p, "error", err)
		}
	}
}
