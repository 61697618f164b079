package http

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"carbook/internal/auth"
	"carbook/internal/cache"
	applog "carbook/internal/log"
	"carbook/internal/middleware/ratelimit"
	"carbook/internal/middleware/security"
	"carbook/internal/middleware/trace"
	"carbook/internal/services"
	appweb "carbook/web"
)

const (
	// maxFormMemory bounds the multipart record form.
	maxFormMemory = 32 << 20
	// cacheCleanupInterval is how often expired cache entries and closed
	// rate limit windows are dropped.
	cacheCleanupInterval = 10 * time.Minute
)

// Pinger is satisfied by the repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker is satisfied by the AMQP client.
type HealthChecker interface {
	Healthy() bool
}

// Deps are the collaborators the server routes to. Broker may be nil.
type Deps struct {
	Auth     *auth.Service
	Vehicles *services.VehicleService
	Records  *services.RecordService
	Receipts *services.ReceiptService
	DB       Pinger
	Broker   HealthChecker
	Logger   *applog.Logger
}

// Options tune the server. Zero values get defaults.
type Options struct {
	CookieSecure          bool
	RequestsPerMinute     int
	AuthRequestsPerMinute int
	// ImageOrigins are extra CSP img-src origins, e.g. a public bucket host.
	ImageOrigins []string
	// Location decides what "today" and "this month" mean.
	Location *time.Location
}

type Server struct {
	http.Server
	templates *template.Template
	logger    *applog.Logger
	opts      Options

	auth     *auth.Service
	vehicles *services.VehicleService
	records  *services.RecordService
	receipts *services.ReceiptService
	db       Pinger
	broker   HealthChecker

	detector    *security.Detector
	limiter     *ratelimit.Limiter
	authLimiter *ratelimit.Limiter
	tracer      *trace.Tracer
	sweeper     *cache.Sweeper
	appMetrics  *appMetrics

	shutdownOnce sync.Once
}

type appMetrics struct {
	recordsSaved   int64
	recordsDeleted int64
	uploadFailures int64
	uptime         time.Time
}

// NewServer configures routes, middleware and templates, returning a
// ready-to-run server.
func NewServer(addr string, deps Deps, opts Options) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = applog.FromContext(context.Background())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)
	if opts.Location == nil {
		opts.Location = time.Local
	}

	policy, authPolicy := ratelimit.Default(), ratelimit.Auth()
	if opts.RequestsPerMinute > 0 {
		policy.Limit = opts.RequestsPerMinute
	}
	if opts.AuthRequestsPerMinute > 0 {
		authPolicy.Limit = opts.AuthRequestsPerMinute
	}

	s := &Server{
		logger:      logger,
		opts:        opts,
		auth:        deps.Auth,
		vehicles:    deps.Vehicles,
		records:     deps.Records,
		receipts:    deps.Receipts,
		db:          deps.DB,
		broker:      deps.Broker,
		detector:    security.NewDetector(),
		limiter:     ratelimit.New(policy),
		authLimiter: ratelimit.New(authPolicy),
		appMetrics:  &appMetrics{uptime: time.Now()},
	}
	s.tracer = trace.New(logger, s.detector.ClientIP)

	s.sweeper = cache.NewSweeper(cacheCleanupInterval,
		s.records.SummaryCache(), s.receipts.LinkCache(), s.limiter, s.authLimiter)
	s.sweeper.Start()

	t, err := template.New("").Funcs(templateFuncs).ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		logger.Warn("Failed parsing templates", applog.FieldError, err)
		t = nil
	}
	s.templates = t

	mux := http.NewServeMux()
	s.routes(mux)

	s.Server = http.Server{
		Addr:         addr,
		Handler:      s.middleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", security.CacheFor(time.Hour)(static))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", applog.FieldError, err)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Auth
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /signup", s.handleSignUp)
	mux.HandleFunc("POST /magic-link", s.handleMagicLink)
	mux.HandleFunc("GET /auth/magic", s.handleConsumeMagicLink)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("POST /account/password", s.requireUser(s.handleSetPassword))

	// Pages
	mux.HandleFunc("GET /{$}", s.requireUser(s.handleIndex))
	mux.HandleFunc("GET /vehicles", s.requireUser(s.handleVehicles))
	mux.HandleFunc("POST /vehicles", s.requireUser(s.handleCreateVehicle))
	mux.HandleFunc("GET /vehicles/{id}", s.requireUser(s.handleVehicle))
	mux.HandleFunc("POST /vehicles/{id}/rename", s.requireUser(s.handleRenameVehicle))
	mux.HandleFunc("POST /vehicles/{id}/delete", s.requireUser(s.handleDeleteVehicle))
	mux.HandleFunc("POST /vehicles/{id}/records", s.requireUser(s.handleCreateRecord))
	mux.HandleFunc("GET /records/{id}", s.requireUser(s.handleRecord))
	mux.HandleFunc("GET /records/{id}/edit", s.requireUser(s.handleEditRecord))
	mux.HandleFunc("POST /records/{id}", s.requireUser(s.handleUpdateRecord))
	mux.HandleFunc("POST /records/{id}/delete", s.requireUser(s.handleDeleteRecord))
	mux.HandleFunc("POST /records/{id}/receipts/delete", s.requireUser(s.handleDeleteReceipt))

	// UI partials
	mux.HandleFunc("GET /ui/vehicles/{id}/records", s.requireUser(s.handleRecordsPartial))

	// Receipt objects
	mux.HandleFunc("GET /receipts/{path...}", s.handleSignedReceipt)
	mux.HandleFunc("GET /public/receipts/{path...}", s.handlePublicReceipt)

	// JSON API
	mux.HandleFunc("GET /api/v1/vehicles", s.requireAPIUser(s.apiListVehicles))
	mux.HandleFunc("POST /api/v1/vehicles", s.requireAPIUser(s.apiCreateVehicle))
	mux.HandleFunc("GET /api/v1/vehicles/{id}/records", s.requireAPIUser(s.apiListRecords))
	mux.HandleFunc("POST /api/v1/vehicles/{id}/records", s.requireAPIUser(s.apiCreateRecord))
	mux.HandleFunc("GET /api/v1/vehicles/{id}/summary", s.requireAPIUser(s.apiMonthSummary))
	mux.HandleFunc("GET /api/v1/records/{id}", s.requireAPIUser(s.apiGetRecord))
	mux.HandleFunc("DELETE /api/v1/records/{id}", s.requireAPIUser(s.apiDeleteRecord))
}

// middleware wraps the mux, outermost first: recovery, trace, security
// headers, detection, rate limits, session.
func (s *Server) middleware(h http.Handler) http.Handler {
	h = s.loadSession(h)
	h = s.authLimiter.Wrap(s.detector.ClientIP, isAuthRequest, s.onRateLimit)(h)
	h = s.limiter.Wrap(s.detector.ClientIP, isMutation, s.onRateLimit)(h)
	h = s.detector.Wrap(h)
	h = security.Headers(s.opts.ImageOrigins...)(h)
	h = s.tracer.Wrap(h)
	return s.recoverer(h)
}

func isMutation(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead
}

func isAuthRequest(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	switch r.URL.Path {
	case "/login", "/signup", "/magic-link":
		return true
	}
	return false
}

func (s *Server) onRateLimit(w http.ResponseWriter, r *http.Request) {
	applog.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		applog.FieldComponent, applog.ComponentRateLimit,
		applog.FieldClientIP, s.detector.ClientIP(r),
		applog.FieldMethod, r.Method,
		applog.FieldPath, r.URL.Path)
	if isAPI(r) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	ErrorResponse(http.StatusTooManyRequests, "Too many requests. Please try again in a minute.").Write(w)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "Panic serving request",
					applog.FieldError, fmt.Sprint(rec),
					applog.FieldErrorType, applog.ErrorTypeInternal,
					applog.FieldMethod, r.Method,
					applog.FieldPath, r.URL.Path,
					"stack", string(debug.Stack()))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully shuts down the server and its background routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.sweeper.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// Close releases background routines without serving. Tests use it.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
