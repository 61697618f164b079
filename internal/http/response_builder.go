package http

import (
	"encoding/json"
	"html/template"
	"net/http"
)

// htmx events the records panel and the page script listen for.
const (
	eventRecordSaved    = "record:saved"
	eventRecordDeleted  = "record:deleted"
	eventReceiptDeleted = "receipt:deleted"
	eventFormReset      = "form:reset"
	eventNotification   = "show-notification"
)

// NotificationType selects the styling of a toast.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
	NotificationWarning NotificationType = "warning"
)

type notification struct {
	Type     NotificationType `json:"type"`
	Message  string           `json:"message"`
	Duration int              `json:"duration"`
}

// HTMXResponseBuilder assembles an htmx reply: the HX-Trigger events, a
// status and an optional HTML fragment.
type HTMXResponseBuilder struct {
	status int
	events map[string]any
	html   string
}

func NewHTMXResponse() *HTMXResponseBuilder {
	return &HTMXResponseBuilder{status: http.StatusOK, events: map[string]any{}}
}

// ErrorResponse is an escaped error fragment at the given status.
func ErrorResponse(status int, message string) *HTMXResponseBuilder {
	b := NewHTMXResponse().BodyHTML(`<div class="error">` + template.HTMLEscapeString(message) + `</div>`)
	b.status = status
	return b
}

func (b *HTMXResponseBuilder) trigger(event string, detail any) *HTMXResponseBuilder {
	b.events[event] = detail
	return b
}

// TriggerRecordSaved reloads the records panel of a vehicle on the saved month.
func (b *HTMXResponseBuilder) TriggerRecordSaved(vehicleID, month string) *HTMXResponseBuilder {
	return b.trigger(eventRecordSaved, map[string]string{"vehicle": vehicleID, "month": month})
}

func (b *HTMXResponseBuilder) TriggerRecordDeleted(vehicleID, recordID string) *HTMXResponseBuilder {
	return b.trigger(eventRecordDeleted, map[string]string{"vehicle": vehicleID, "record": recordID})
}

func (b *HTMXResponseBuilder) TriggerReceiptDeleted(recordID string) *HTMXResponseBuilder {
	return b.trigger(eventReceiptDeleted, map[string]string{"record": recordID})
}

// TriggerFormReset clears the record form but keeps its date.
func (b *HTMXResponseBuilder) TriggerFormReset() *HTMXResponseBuilder {
	return b.trigger(eventFormReset, struct{}{})
}

// TriggerNotification shows a toast for durationMs milliseconds. Only one
// toast per reply; a later call replaces an earlier one.
func (b *HTMXResponseBuilder) TriggerNotification(kind NotificationType, message string, durationMs int) *HTMXResponseBuilder {
	return b.trigger(eventNotification, notification{Type: kind, Message: message, Duration: durationMs})
}

func (b *HTMXResponseBuilder) TriggerSuccessNotification(message string) *HTMXResponseBuilder {
	return b.TriggerNotification(NotificationSuccess, message, 3000)
}

func (b *HTMXResponseBuilder) TriggerErrorNotification(message string) *HTMXResponseBuilder {
	return b.TriggerNotification(NotificationError, message, 5000)
}

// BodyHTML sets a trusted HTML fragment as the body.
func (b *HTMXResponseBuilder) BodyHTML(html string) *HTMXResponseBuilder {
	b.html = html
	return b
}

func (b *HTMXResponseBuilder) Write(w http.ResponseWriter) {
	if len(b.events) > 0 {
		if raw, err := json.Marshal(b.events); err == nil {
			w.Header().Set("HX-Trigger", string(raw))
		}
	}
	if b.html != "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	w.WriteHeader(b.status)
	if b.html != "" {
		_, _ = w.Write([]byte(b.html))
	}
}
