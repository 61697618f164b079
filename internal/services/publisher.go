package services

import (
	"context"
	"errors"

	"carbook/internal/amqp"
)

// ErrNotFound is returned when a vehicle or record does not exist or belongs
// to another user.
var ErrNotFound = errors.New("not found")

// ErrTooManyUploads rejects a save carrying more than MaxUploads receipts.
var ErrTooManyUploads = errors.New("too many receipts")

// Publisher emits record events to the worker. *amqp.Client satisfies it.
type Publisher interface {
	PublishRecordEvent(ctx context.Context, ev *amqp.RecordEvent) error
}
