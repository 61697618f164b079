package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"carbook/internal/core"
	applog "carbook/internal/log"
	"carbook/internal/middleware/ratelimit"
	"carbook/internal/middleware/security"
)

// page carries what every full page needs.
type page struct {
	Title  string
	User   *core.User
	Error  string
	Notice string
}

func newPage(r *http.Request, title string) page {
	p := page{Title: title}
	if u, ok := userFrom(r.Context()); ok {
		p.User = &u
	}
	return p
}

// render executes a template into a buffer first so a failing template never
// leaves a half-written page behind.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	if s.templates == nil {
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Templates not loaded",
			applog.FieldPath, r.URL.Path,
			applog.FieldErrorType, applog.ErrorTypeConfiguration)
		http.Error(w, "templates not loaded", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Template execution failed",
			applog.FieldError, err,
			applog.FieldOperation, applog.OpRender,
			"template", name)
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	security.NoStore(w)
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// renderError shows a full error page, or an error fragment to htmx.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if isHTMX(r) {
		ErrorResponse(status, msg).TriggerErrorNotification(msg).Write(w)
		return
	}
	p := newPage(r, http.StatusText(status))
	p.Error = msg
	s.render(w, r, status, "error.html", struct {
		page
		Status int
	}{p, status})
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.appMetrics.uptime).Round(time.Second).String(),
	})
}

// handleReady reports whether the database answers. The broker is reported
// but never fails readiness: events are best effort.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	if s.templates == nil {
		checks["templates"] = "failed: templates not loaded"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["templates"] = "ok"
	}

	if s.db == nil {
		checks["database"] = "not_configured"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else if err := s.db.Ping(ctx); err != nil {
		checks["database"] = fmt.Sprintf("failed: %v", err)
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	switch {
	case s.broker == nil:
		checks["amqp"] = "not_configured"
	case s.broker.Healthy():
		checks["amqp"] = "ok"
	default:
		checks["amqp"] = "unavailable"
	}

	checks["cache"] = map[string]any{
		"summary_entries": s.records.SummaryCache().Size(),
		"link_entries":    s.receipts.LinkCache().Size(),
	}
	checks["rate_limiter"] = map[string]any{
		"active_clients": s.limiter.Clients(),
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleMetrics writes counters in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	traceStats := s.tracer.Stats()
	securityStats := s.detector.Stats()
	summaryStats := s.records.SummaryCache().Stats()
	linkStats := s.receipts.LinkCache().Stats()

	var b bytes.Buffer
	metric := func(name, help, kind string, samples ...string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
		for _, sample := range samples {
			fmt.Fprintf(&b, "%s%s\n", name, sample)
		}
	}

	metric("carbook_http_requests_total", "Total number of HTTP requests", "counter",
		fmt.Sprintf(" %d", traceStats.Requests))
	metric("carbook_http_request_duration_seconds_sum", "Total time spent serving requests", "counter",
		fmt.Sprintf(" %.3f", float64(traceStats.DurationMs)/1000))
	metric("carbook_http_errors_total", "HTTP responses by error class", "counter",
		fmt.Sprintf(`{class="4xx"} %d`, traceStats.ClientErrors),
		fmt.Sprintf(`{class="5xx"} %d`, traceStats.ServerErrors))
	metric("carbook_records_saved_total", "Records created or updated", "counter",
		fmt.Sprintf(" %d", atomic.LoadInt64(&s.appMetrics.recordsSaved)))
	metric("carbook_records_deleted_total", "Records deleted", "counter",
		fmt.Sprintf(" %d", atomic.LoadInt64(&s.appMetrics.recordsDeleted)))
	metric("carbook_receipt_upload_failures_total", "Saves with at least one failed receipt upload", "counter",
		fmt.Sprintf(" %d", atomic.LoadInt64(&s.appMetrics.uploadFailures)))
	metric("carbook_cache_hits_total", "Cache hits", "counter",
		fmt.Sprintf(`{cache="summary"} %d`, summaryStats.Hits),
		fmt.Sprintf(`{cache="links"} %d`, linkStats.Hits))
	metric("carbook_cache_misses_total", "Cache misses", "counter",
		fmt.Sprintf(`{cache="summary"} %d`, summaryStats.Misses),
		fmt.Sprintf(`{cache="links"} %d`, linkStats.Misses))
	metric("carbook_cache_entries", "Current cache entries", "gauge",
		fmt.Sprintf(`{cache="summary"} %d`, summaryStats.Size),
		fmt.Sprintf(`{cache="links"} %d`, linkStats.Size))
	var rejected, clients []string
	for _, l := range []*ratelimit.Limiter{s.limiter, s.authLimiter} {
		rejected = append(rejected, fmt.Sprintf(`{limiter=%q} %d`, l.Policy().Name, l.Rejected()))
		clients = append(clients, fmt.Sprintf(`{limiter=%q} %d`, l.Policy().Name, l.Clients()))
	}
	metric("carbook_rate_limit_hits_total", "Requests rejected by the rate limiter", "counter", rejected...)
	metric("carbook_rate_limit_clients", "Currently tracked rate limit clients", "gauge", clients...)
	metric("carbook_suspicious_requests_total", "Suspicious requests detected", "counter",
		fmt.Sprintf(" %d", securityStats.Suspicious))
	metric("carbook_uptime_seconds", "Application uptime in seconds", "gauge",
		fmt.Sprintf(" %.0f", time.Since(s.appMetrics.uptime).Seconds()))

	w.WriteHeader(http.StatusOK)
	_, _ = b.WriteTo(w)
}

// handleIndex opens the default vehicle, or the vehicle list when the user
// has none yet.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, user core.User) {
	v, ok, err := s.vehicles.Default(r.Context(), user.ID)
	if err != nil {
		status := s.logError(r, "Failed to load default vehicle", err, applog.NewFields().WithUser(user.ID))
		s.renderError(w, r, status, userMessage(err))
		return
	}
	if !ok {
		http.Redirect(w, r, "/vehicles", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/vehicles/"+v.ID, http.StatusSeeOther)
}
