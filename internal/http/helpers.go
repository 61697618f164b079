package http

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"carbook/internal/auth"
	"carbook/internal/blob"
	"carbook/internal/core"
	applog "carbook/internal/log"
	"carbook/internal/services"
	"carbook/internal/storage"
)

type contextKey string

const userKey contextKey = "user"

// loadSession attaches the signed-in user, if any, to the request context.
func (s *Server) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(auth.CookieName)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, err := s.auth.Authenticate(r.Context(), c.Value)
		switch {
		case err == nil:
			ctx := context.WithValue(r.Context(), userKey, user)
			logger := applog.FromContext(ctx).With(applog.FieldUserID, user.ID)
			r = r.WithContext(applog.WithContext(ctx, logger))
		case errors.Is(err, auth.ErrNoSession), errors.Is(err, auth.ErrSessionExpired):
			s.clearSessionCookie(w)
		default:
			applog.FromContext(r.Context()).ErrorContext(r.Context(), "Session lookup failed",
				applog.FieldError, err,
				applog.FieldErrorType, applog.ErrorTypeDatabase)
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(ctx context.Context) (core.User, bool) {
	u, ok := ctx.Value(userKey).(core.User)
	return u, ok
}

// requireUser sends anonymous page requests to the login page.
func (s *Server) requireUser(next func(http.ResponseWriter, *http.Request, core.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok {
			target := "/login?next=" + url.QueryEscape(r.URL.RequestURI())
			if isHTMX(r) {
				w.Header().Set("HX-Redirect", target)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
		next(w, r, user)
	}
}

// requireAPIUser answers anonymous API requests with 401.
func (s *Server) requireAPIUser(next func(http.ResponseWriter, *http.Request, core.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, user)
	}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

func isAPI(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/")
}

// redirect sends the browser to target, through HX-Redirect for htmx requests.
func redirect(w http.ResponseWriter, r *http.Request, target string) {
	if isHTMX(r) {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// sanitizeInput removes control characters except tab and newlines, and
// trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// today returns the current calendar day in the server's location.
func (s *Server) today() core.Date {
	return core.Today(s.opts.Location)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, services.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrNoSession),
		errors.Is(err, auth.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, blob.ErrBadSignature), errors.Is(err, blob.ErrLinkExpired):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrEmailTaken), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidLink), errors.Is(err, blob.ErrInvalidPath):
		return http.StatusBadRequest
	case isValidationError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var validationErrors = []error{
	core.ErrInvalidDay, core.ErrInvalidMonth, core.ErrEmptyDate,
	core.ErrInvalidAmount, core.ErrInvalidOdometer, core.ErrInvalidCategory,
	core.ErrEmptyName, core.ErrMissingUser, core.ErrMissingVehicle, core.ErrTooLong,
	auth.ErrInvalidEmail, auth.ErrWeakPassword,
	services.ErrTooManyUploads, errInvalidForm,
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// userMessage is the text shown to users for err. Internal errors are not
// leaked.
func userMessage(err error) string {
	switch statusFor(err) {
	case http.StatusNotFound:
		return "Not found"
	case http.StatusInternalServerError:
		return "Something went wrong, please try again"
	default:
		return err.Error()
	}
}

// logError logs err at a level matching its status and returns the status.
func (s *Server) logError(r *http.Request, msg string, err error, fields applog.LogFields) int {
	status := statusFor(err)
	logger := applog.FromContext(r.Context())
	if status >= 500 {
		logger.LogFailure(r.Context(), msg, err, applog.ErrorTypeInternal, r.Method+" "+r.URL.Path, fields)
		return status
	}
	if fields == nil {
		fields = applog.NewFields()
	}
	logger.Fields(r.Context(), slog.LevelWarn, msg, fields.WithError(err).WithErrorType(errorTypeFor(status)))
	return status
}

func errorTypeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return applog.ErrorTypeNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return applog.ErrorTypeAuth
	case http.StatusConflict:
		return applog.ErrorTypeConflict
	default:
		return applog.ErrorTypeValidation
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var templateFuncs = template.FuncMap{
	"usd":      core.FormatUSD,
	"odometer": core.FormatOdometer,
	"date":     func(d core.Date) string { return d.String() },
	"ago":      func(t time.Time) string { return humanize.Time(t) },
	"label":    func(c core.Category) string { return c.Label() },
	"categories": func() []core.Category {
		return core.Categories()
	},
}
