package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carbook/internal/core"
)

// Routing keys
const (
	KeyRecordSaved    = "record.saved"
	KeyRecordDeleted  = "record.deleted"
	KeyVehicleDeleted = "vehicle.deleted"
	KeyMagicLink      = "mail.magic_link"
)

// RecordsBinding and MailBinding are the queues the server publishes to and
// the worker consumes.
func RecordsBinding(queue string) Binding {
	return Binding{Queue: queue, RoutingKeys: []string{KeyRecordSaved, KeyRecordDeleted, KeyVehicleDeleted}}
}

func MailBinding(queue string) Binding {
	return Binding{Queue: queue, RoutingKeys: []string{KeyMagicLink}}
}

// RecordEvent is a lightweight notice about a record or vehicle change.
// The worker fetches the full record from the database; ReceiptPaths is only
// filled for deletions so the blobs can be removed after the rows are gone,
// and ExportedYear names the tab the deleted row was last exported to when it
// differs from Year.
type RecordEvent struct {
	Type         string    `json:"type"`
	RecordID     string    `json:"record_id,omitempty"`
	UserID       string    `json:"user_id"`
	VehicleID    string    `json:"vehicle_id,omitempty"`
	Year         int       `json:"year,omitempty"`
	ExportedYear int       `json:"exported_year,omitempty"`
	ReceiptPaths []string  `json:"receipt_paths,omitempty"`
	Version      int64     `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewRecordSaved(rec core.Record) *RecordEvent {
	return &RecordEvent{
		Type:      KeyRecordSaved,
		RecordID:  rec.ID,
		UserID:    rec.UserID,
		VehicleID: rec.VehicleID,
		Year:      rec.Date.Year(),
		Version:   rec.UpdatedAt.UnixNano(),
		Timestamp: time.Now(),
	}
}

func NewRecordDeleted(rec core.Record, exportedYear int) *RecordEvent {
	ev := NewRecordSaved(rec)
	ev.Type = KeyRecordDeleted
	ev.ReceiptPaths = rec.ReceiptPaths
	if exportedYear != ev.Year {
		ev.ExportedYear = exportedYear
	}
	return ev
}

func NewVehicleDeleted(userID, vehicleID string, paths []string) *RecordEvent {
	return &RecordEvent{
		Type:         KeyVehicleDeleted,
		UserID:       userID,
		VehicleID:    vehicleID,
		ReceiptPaths: paths,
		Timestamp:    time.Now(),
	}
}

func (m *RecordEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RecordEventFromJSON(data []byte) (*RecordEvent, error) {
	var msg RecordEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" || msg.UserID == "" {
		return nil, fmt.Errorf("record event missing type or user")
	}
	return &msg, nil
}

// MagicLinkMessage asks the mail worker to deliver a sign-in link.
type MagicLinkMessage struct {
	Email     string    `json:"email"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (m *MagicLinkMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func MagicLinkMessageFromJSON(data []byte) (*MagicLinkMessage, error) {
	var msg MagicLinkMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Email == "" || msg.Link == "" {
		return nil, fmt.Errorf("magic link message missing email or link")
	}
	return &msg, nil
}

// PublishRecordEvent routes ev by its Type.
func (c *Client) PublishRecordEvent(ctx context.Context, ev *RecordEvent) error {
	body, err := ev.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal record event: %w", err)
	}
	return c.Publish(ctx, ev.Type, body)
}

func (c *Client) PublishMagicLink(ctx context.Context, msg *MagicLinkMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal magic link: %w", err)
	}
	return c.Publish(ctx, KeyMagicLink, body)
}
