package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"carbook/internal/amqp"
	"carbook/internal/core"
	"carbook/internal/log"
	"carbook/internal/storage"
)

// VehicleService manages a user's vehicles.
type VehicleService struct {
	repo      *storage.Repository
	publisher Publisher
	now       func() time.Time
}

func NewVehicleService(repo *storage.Repository, publisher Publisher) *VehicleService {
	return &VehicleService{repo: repo, publisher: publisher, now: time.Now}
}

// List returns the user's vehicles, newest first.
func (s *VehicleService) List(ctx context.Context, userID string) ([]core.Vehicle, error) {
	return s.repo.ListVehicles(ctx, userID)
}

// Default returns the first vehicle in list order; ok is false when the user
// has none.
func (s *VehicleService) Default(ctx context.Context, userID string) (core.Vehicle, bool, error) {
	vs, err := s.repo.ListVehicles(ctx, userID)
	if err != nil || len(vs) == 0 {
		return core.Vehicle{}, false, err
	}
	return vs[0], true, nil
}

func (s *VehicleService) Get(ctx context.Context, userID, id string) (core.Vehicle, error) {
	v, err := s.repo.GetVehicle(ctx, userID, id)
	return v, mapNotFound(err)
}

func (s *VehicleService) Add(ctx context.Context, userID, name string) (core.Vehicle, error) {
	v := core.Vehicle{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		CreatedAt: s.now(),
	}
	if err := v.Validate(); err != nil {
		return core.Vehicle{}, err
	}
	if err := s.repo.CreateVehicle(ctx, v); err != nil {
		return core.Vehicle{}, err
	}
	log.FromContext(ctx).Fields(ctx, slog.LevelInfo, "Vehicle added",
		log.NewFields().WithUser(userID).WithOperation(log.OpCreate))
	return v, nil
}

func (s *VehicleService) Rename(ctx context.Context, userID, id, name string) error {
	name = strings.TrimSpace(name)
	if err := (core.Vehicle{UserID: userID, Name: name}).Validate(); err != nil {
		return err
	}
	return mapNotFound(s.repo.RenameVehicle(ctx, userID, id, name))
}

// Delete removes the vehicle and its records, then asks the worker to clean
// up the receipt objects and export rows.
func (s *VehicleService) Delete(ctx context.Context, userID, id string) error {
	paths, err := s.repo.DeleteVehicle(ctx, userID, id)
	if err != nil {
		return mapNotFound(err)
	}
	publish(ctx, s.publisher, amqp.NewVehicleDeleted(userID, id, paths))
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// publish sends an event without failing the caller; the worker's sweep
// picks up anything that was missed.
func publish(ctx context.Context, p Publisher, ev *amqp.RecordEvent) {
	logger := log.FromContext(ctx)
	if p == nil {
		logger.WarnContext(ctx, "AMQP client not available, skipping event", log.FieldEvent, ev.Type)
		return
	}
	if err := p.PublishRecordEvent(ctx, ev); err != nil {
		fields := log.NewFields().WithUser(ev.UserID)
		fields[log.FieldEvent] = ev.Type
		logger.LogFailure(ctx, "Failed to publish record event", err,
			log.ErrorTypeNetwork, log.OpPublish, fields)
	}
}
