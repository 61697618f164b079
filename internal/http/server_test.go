package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbook/internal/auth"
	"carbook/internal/blob"
	"carbook/internal/core"
	"carbook/internal/services"
	"carbook/internal/storage"
)

type captureMailer struct {
	mu    sync.Mutex
	links []string
}

func (m *captureMailer) SendMagicLink(_ context.Context, _, link string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, link)
	return nil
}

func (m *captureMailer) last(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.links, "no magic link sent")
	return m.links[len(m.links)-1]
}

type testEnv struct {
	srv  *Server
	mail *captureMailer
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	repo, err := storage.NewSQLiteRepository(filepath.Join(dir, "carbook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	bucket, err := blob.NewLocalBucket(filepath.Join(dir, "receipts"), false, "")
	require.NoError(t, err)
	resolver := blob.NewResolver(bucket, blob.NewSigner([]byte("0123456789abcdef0123456789abcdef"), 0, "/receipts"), 64)

	mail := &captureMailer{}
	if opts.RequestsPerMinute == 0 {
		opts.RequestsPerMinute = 1000
	}
	if opts.AuthRequestsPerMinute == 0 {
		opts.AuthRequestsPerMinute = 1000
	}
	opts.Location = time.UTC

	srv := NewServer(":0", Deps{
		Auth:     auth.NewService(repo, mail, auth.Options{BaseURL: "http://carbook.test"}),
		Vehicles: services.NewVehicleService(repo, nil),
		Records:  services.NewRecordService(repo, resolver, nil),
		Receipts: services.NewReceiptService(repo, resolver),
		DB:       repo,
	}, opts)
	t.Cleanup(func() { srv.Close() })
	return &testEnv{srv: srv, mail: mail}
}

func (e *testEnv) do(req *http.Request, session *http.Cookie) *httptest.ResponseRecorder {
	if session != nil {
		req.AddCookie(session)
	}
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func formRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == auth.CookieName && c.Value != "" {
			return c
		}
	}
	t.Fatalf("no session cookie in response (status %d)", rr.Code)
	return nil
}

func (e *testEnv) signUp(t *testing.T, email string) *http.Cookie {
	t.Helper()
	rr := e.do(formRequest(http.MethodPost, "/signup", url.Values{"email": {email}, "password": {"correct horse"}}), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/", rr.Header().Get("Location"))
	return sessionCookie(t, rr)
}

func (e *testEnv) addVehicle(t *testing.T, session *http.Cookie, name string) string {
	t.Helper()
	rr := e.do(formRequest(http.MethodPost, "/vehicles", url.Values{"name": {name}}), session)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	loc := rr.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/vehicles/"), loc)
	return strings.TrimPrefix(loc, "/vehicles/")
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func multipartRecord(t *testing.T, target string, fields url.Values, receipts map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vs := range fields {
		for _, v := range vs {
			require.NoError(t, mw.WriteField(k, v))
		}
	}
	for name, content := range receipts {
		fw, err := mw.CreateFormFile("receipts", name)
		require.NoError(t, err)
		_, _ = io.WriteString(fw, content)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, Options{})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decodeBody(t, rr)["status"])

	rr = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["templates"])
	assert.Equal(t, "not_configured", checks["amqp"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req_abc123")
	rr := env.do(req, nil)
	assert.Equal(t, "req_abc123", rr.Header().Get("X-Request-ID"))

	rr = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), nil)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestPagesRequireSession(t *testing.T) {
	env := newTestEnv(t, Options{})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/vehicles", nil), nil)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login?next=%2Fvehicles", rr.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/ui/vehicles/x/records", nil)
	req.Header.Set("HX-Request", "true")
	rr = env.do(req, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("HX-Redirect"), "/login?next=")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles", nil), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "authentication required", decodeBody(t, rr)["error"])

	rr = env.do(httptest.NewRequest(http.MethodGet, "/login", nil), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Create an account")
}

func TestSignUpSignInAndLogout(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := env.signUp(t, "Driver@Example.com")

	// No vehicles yet: the index sends the user to the vehicle list.
	rr := env.do(httptest.NewRequest(http.MethodGet, "/", nil), session)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/vehicles", rr.Header().Get("Location"))

	rr = env.do(formRequest(http.MethodPost, "/signup", url.Values{"email": {"driver@example.com"}, "password": {"another pass"}}), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(formRequest(http.MethodPost, "/signup", url.Values{"email": {"new@example.com"}, "password": {"short"}}), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(formRequest(http.MethodPost, "/login", url.Values{"email": {"driver@example.com"}, "password": {"wrong password"}}), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Wrong email or password.")

	rr = env.do(formRequest(http.MethodPost, "/login", url.Values{
		"email": {"driver@example.com"}, "password": {"correct horse"}, "next": {"/vehicles"},
	}), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/vehicles", rr.Header().Get("Location"))
	second := sessionCookie(t, rr)

	rr = env.do(formRequest(http.MethodPost, "/logout", nil), second)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login", rr.Header().Get("Location"))

	rr = env.do(httptest.NewRequest(http.MethodGet, "/vehicles", nil), second)
	assert.Equal(t, http.StatusSeeOther, rr.Code, "signed out session must not work")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/vehicles", nil), session)
	assert.Equal(t, http.StatusOK, rr.Code, "other sessions stay valid")
}

func TestLoginRejectsOpenRedirect(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.signUp(t, "driver@example.com")

	rr := env.do(formRequest(http.MethodPost, "/login", url.Values{
		"email": {"driver@example.com"}, "password": {"correct horse"}, "next": {"//evil.example"},
	}), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/", rr.Header().Get("Location"))
}

func TestMagicLinkSignIn(t *testing.T) {
	env := newTestEnv(t, Options{})

	rr := env.do(formRequest(http.MethodPost, "/magic-link", url.Values{"email": {"link@example.com"}, "next": {"/vehicles"}}), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/login?sent=1", rr.Header().Get("Location"))

	link, err := url.Parse(env.mail.last(t))
	require.NoError(t, err)
	assert.Equal(t, "carbook.test", link.Host)

	rr = env.do(httptest.NewRequest(http.MethodGet, link.RequestURI(), nil), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/vehicles", rr.Header().Get("Location"))
	session := sessionCookie(t, rr)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/vehicles", nil), session)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Links are single use.
	rr = env.do(httptest.NewRequest(http.MethodGet, link.RequestURI(), nil), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid or has expired")

	// Signing up cannot claim the account; its owner sets a password from
	// the session instead.
	rr = env.do(formRequest(http.MethodPost, "/signup", url.Values{"email": {"link@example.com"}, "password": {"not the owner"}}), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Empty(t, rr.Result().Cookies())

	rr = env.do(formRequest(http.MethodPost, "/account/password", url.Values{"password": {"owner secret"}}), nil)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "/login")

	rr = env.do(formRequest(http.MethodPost, "/account/password", url.Values{"password": {"short"}}), session)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(formRequest(http.MethodPost, "/account/password", url.Values{"password": {"owner secret"}}), session)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/vehicles", rr.Header().Get("Location"))

	rr = env.do(formRequest(http.MethodPost, "/login", url.Values{"email": {"link@example.com"}, "password": {"owner secret"}}), nil)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
}

func TestVehicleLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := env.signUp(t, "driver@example.com")

	rr := env.do(formRequest(http.MethodPost, "/vehicles", url.Values{"name": {"  "}}), session)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	id := env.addVehicle(t, session, "Civic")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/", nil), session)
	assert.Equal(t, "/vehicles/"+id, rr.Header().Get("Location"))

	rr = env.do(formRequest(http.MethodPost, "/vehicles/"+id+"/rename", url.Values{"name": {"Civic Si"}}), session)
	assert.Equal(t, http.StatusSeeOther, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/vehicles", nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Civic Si")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/vehicles/"+id, nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "$0.00")
	assert.Equal(t, "private, no-store", rr.Header().Get("Cache-Control"))

	rr = env.do(formRequest(http.MethodPost, "/vehicles/"+id+"/delete", nil), session)
	assert.Equal(t, http.StatusSeeOther, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/vehicles/"+id, nil), session)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecordWithReceipts(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := env.signUp(t, "driver@example.com")
	vid := env.addVehicle(t, session, "Civic")

	rr := env.do(multipartRecord(t, "/vehicles/"+vid+"/records", url.Values{
		"date": {"2024-05-03"}, "category": {"fuel"}, "odometer": {"12,345"},
		"cost": {"45.20"}, "vendor": {"Shell"},
	}, map[string]string{"pump.jpg": "jpeg bytes"}), session)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/vehicles/"+vid+"?saved=1&month=2024-05", rr.Header().Get("Location"))

	rr = env.do(httptest.NewRequest(http.MethodGet, "/vehicles/"+vid+"?month=2024-05", nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	page := rr.Body.String()
	assert.Contains(t, page, "May 2024")
	assert.Contains(t, page, "$45.20")
	assert.Contains(t, page, "12,345 mi")
	assert.Contains(t, page, "Shell")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles/"+vid+"/records?month=2024-05", nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody(t, rr)
	assert.Equal(t, "45.20", list["month_total"])
	records := list["records"].([]any)
	require.Len(t, records, 1)
	first := records[0].(map[string]any)
	assert.Equal(t, float64(1), first["receipt_count"])
	assert.Equal(t, "Fuel", first["category_label"])
	recID := first["id"].(string)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/records/"+recID, nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decodeBody(t, rr)
	receipts := detail["receipts"].([]any)
	require.Len(t, receipts, 1)
	receipt := receipts[0].(map[string]any)
	link := receipt["url"].(string)
	require.True(t, strings.HasPrefix(link, "/receipts/"), link)

	// The signed link works without a session.
	rr = env.do(httptest.NewRequest(http.MethodGet, link, nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "jpeg bytes", rr.Body.String())
	assert.Equal(t, "private, max-age=300", rr.Header().Get("Cache-Control"))

	tampered := strings.Replace(link, "sig=", "sig=0", 1)
	rr = env.do(httptest.NewRequest(http.MethodGet, tampered, nil), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Public reads are refused on a private bucket.
	rr = env.do(httptest.NewRequest(http.MethodGet, "/public"+strings.SplitN(link, "?", 2)[0], nil), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/records/"+recID, nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/receipts/")

	rr = env.do(formRequest(http.MethodPost, "/records/"+recID+"/receipts/delete",
		url.Values{"path": {receipt["path"].(string)}}), session)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/records/"+recID, rr.Header().Get("Location"))

	rr = env.do(httptest.NewRequest(http.MethodGet, link, nil), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "object is gone once detached")
}

func TestCreateRecordValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := env.signUp(t, "driver@example.com")
	vid := env.addVehicle(t, session, "Civic")

	rr := env.do(formRequest(http.MethodPost, "/vehicles/"+vid+"/records",
		url.Values{"date": {"2024-05-03"}, "category": {"boat"}, "cost": {"10"}, "vendor": {"Marina"}}), session)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid category")
	assert.Contains(t, rr.Body.String(), `value="Marina"`, "form is re-rendered with the user's input")

	req := formRequest(http.MethodPost, "/vehicles/"+vid+"/records",
		url.Values{"date": {"2024-02-30"}, "category": {"fuel"}})
	req.Header.Set("HX-Request", "true")
	rr = env.do(req, session)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), `<div class="error">`)
	assert.Contains(t, rr.Header().Get("HX-Trigger"), "show-notification")

	rr = env.do(formRequest(http.MethodPost, "/vehicles/missing/records",
		url.Values{"date": {"2024-05-03"}, "category": {"fuel"}}), session)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTMXRecordFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := env.signUp(t, "driver@example.com")
	vid := env.addVehicle(t, session, "Civic")

	req := formRequest(http.MethodPost, "/vehicles/"+vid+"/records",
		url.Values{"date": {"2024-05-03"}, "category": {"oil"}, "cost": {"60"}})
	req.Header.Set("HX-Request", "true")
	rr := env.do(req, session)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	trigger := rr.Header().Get("HX-Trigger")
	assert.Contains(t, trigger, "record:saved")
	assert.Contains(t, trigger, "form:reset")
	assert.Contains(t, rr.Body.String(), "$60.00")

	req = httptest.NewRequest(http.MethodGet, "/ui/vehicles/"+vid+"/records?month=2024-05", nil)
	req.Header.Set("HX-Request", "true")
	rr = env.do(req, session)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `id="records-panel"`)
	assert.Contains(t, rr.Body.String(), "$60.00")
	assert.Contains(t, rr.Body.String(), "Oil change")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles/"+vid+"/records", nil), session)
	recID := decodeBody(t, rr)["records"].([]any)[0].(map[string]any)["id"].(string)

	req = formRequest(http.MethodPost, "/records/"+recID+"/delete", nil)
	req.Header.Set("HX-Request", "true")
	rr = env.do(req, session)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("HX-Trigger"), "record:deleted")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/records/"+recID, nil), session)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEditRecord(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := env.signUp(t, "driver@example.com")
	vid := env.addVehicle(t, session, "Civic")

	rr := env.do(jsonRequest(http.MethodPost, "/api/v1/vehicles/"+vid+"/records",
		`{"date":"2024-05-03","category":"repair","cost":"300"}`), session)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	recID := decodeBody(t, rr)["record"].(map[string]any)["id"].(string)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/records/"+recID+"/edit", nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `value="300.00"`)

	rr = env.do(formRequest(http.MethodPost, "/records/"+recID,
		url.Values{"date": {"2024-06-01"}, "category": {"repair"}, "cost": {"320.50"}}), session)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/vehicles/"+vid+"?saved=1&month=2024-06", rr.Header().Get("Location"))

	rr = env.do(formRequest(http.MethodPost, "/records/"+recID,
		url.Values{"date": {"2024-06-01"}, "category": {"spaceship"}}), session)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "Edit record")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/records/"+recID, nil), session)
	body := decodeBody(t, rr)
	assert.Equal(t, "320.50", body["cost"])
	assert.Equal(t, "2024-06-01", body["date"])
}

func TestJSONAPI(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.signUp(t, "driver@example.com")

	rr := env.do(jsonRequest(http.MethodPost, "/login", `{"email":"driver@example.com","password":"correct horse"}`), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	session := sessionCookie(t, rr)

	rr = env.do(jsonRequest(http.MethodPost, "/api/v1/vehicles", `{"name":"Outback"}`), session)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	vid := decodeBody(t, rr)["id"].(string)

	rr = env.do(jsonRequest(http.MethodPost, "/api/v1/vehicles", `{"nome":"typo"}`), session)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	for _, body := range []string{
		`{"date":"2024-05-03","category":"fuel","cost":"40.10","odometer":1000}`,
		`{"date":"2024-05-20","category":"fuel","cost":9.9}`,
		`{"date":"2024-05-21","category":"inspection","cost":"25"}`,
		`{"date":"2024-04-30","category":"fuel","cost":"99"}`,
	} {
		rr = env.do(jsonRequest(http.MethodPost, "/api/v1/vehicles/"+vid+"/records", body), session)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.NotEmpty(t, rr.Header().Get("Location"))
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles/"+vid+"/summary?month=2024-05", nil), session)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sum := decodeBody(t, rr)
	assert.Equal(t, "2024-05", sum["month"])
	assert.Equal(t, "75.00", sum["total"])
	assert.Equal(t, float64(7500), sum["total_cents"])
	assert.Equal(t, float64(3), sum["count"])
	byCat := sum["by_category"].([]any)
	require.Len(t, byCat, 2)
	assert.Equal(t, "fuel", byCat[0].(map[string]any)["category"])

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles/"+vid+"/summary?month=2024-05%20", nil), session)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	padded := decodeBody(t, rr)
	assert.Equal(t, "2024-05", padded["month"])
	assert.Equal(t, "75.00", padded["total"], "a padded month reads the same summary")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles/"+vid+"/summary?month=May", nil), session)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles/"+vid+"/records", nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	records := decodeBody(t, rr)["records"].([]any)
	require.Len(t, records, 4)
	newest := records[0].(map[string]any)
	assert.Equal(t, "2024-05-21", newest["date"], "records are newest first")

	id := newest["id"].(string)
	rr = env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/records/"+id, nil), session)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/records/"+id, nil), session)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles/"+vid+"/summary?month=2024-05", nil), session)
	assert.Equal(t, "50.00", decodeBody(t, rr)["total"], "deleting a record refreshes the cached summary")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/vehicles", nil), session)
	assert.Len(t, decodeBody(t, rr)["vehicles"].([]any), 1)
}

func TestJSONAPIRejectsSignedAndExponentNumbers(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := env.signUp(t, "driver@example.com")
	vid := env.addVehicle(t, session, "Civic")
	target := "/api/v1/vehicles/" + vid + "/records"

	for body, want := range map[string]string{
		`{"date":"2024-05-03","category":"fuel","cost":-25}`:                  "invalid amount",
		`{"date":"2024-05-03","category":"fuel","cost":"-25"}`:                "invalid amount",
		`{"date":"2024-05-03","category":"fuel","cost":1e3}`:                  "invalid amount",
		`{"date":"2024-05-03","category":"fuel","cost":"10","odometer":-100}`: "invalid odometer",
		`{"date":"2024-05-03","category":"fuel","cost":"10","odometer":1E5}`:  "invalid odometer",
		`{"date":"2024-05-03","category":"fuel","cost":true}`:                 "invalid request",
	} {
		rr := env.do(jsonRequest(http.MethodPost, target, body), session)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, body)
		assert.Contains(t, decodeBody(t, rr)["error"], want, body)
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, target, nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody(t, rr)["records"], "nothing was stored")

	rr = env.do(jsonRequest(http.MethodPost, target, `{"date":"2024-05-03","category":"fuel","cost":25.5,"odometer":1000}`), session)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rec := decodeBody(t, rr)["record"].(map[string]any)
	assert.Equal(t, "25.50", rec["cost"])
	assert.Equal(t, float64(1000), rec["odometer"])

	// Strings still take the form's normalisation.
	rr = env.do(jsonRequest(http.MethodPost, target, `{"date":"2024-05-04","category":"fuel","cost":"$12.34"}`), session)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "12.34", decodeBody(t, rr)["record"].(map[string]any)["cost"])
}

func TestUsersCannotSeeEachOther(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.signUp(t, "alice@example.com")
	bob := env.signUp(t, "bob@example.com")
	vid := env.addVehicle(t, alice, "Alice's car")

	rr := env.do(jsonRequest(http.MethodPost, "/api/v1/vehicles/"+vid+"/records",
		`{"date":"2024-05-03","category":"fuel","cost":"10"}`), alice)
	require.Equal(t, http.StatusCreated, rr.Code)
	recID := decodeBody(t, rr)["record"].(map[string]any)["id"].(string)

	for _, target := range []string{"/vehicles/" + vid, "/records/" + recID} {
		rr = env.do(httptest.NewRequest(http.MethodGet, target, nil), bob)
		assert.Equal(t, http.StatusNotFound, rr.Code, target)
	}
	for _, target := range []string{"/api/v1/vehicles/" + vid + "/records", "/api/v1/records/" + recID} {
		rr = env.do(httptest.NewRequest(http.MethodGet, target, nil), bob)
		assert.Equal(t, http.StatusNotFound, rr.Code, target)
	}
	rr = env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/records/"+recID, nil), bob)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/records/"+recID, nil), alice)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{AuthRequestsPerMinute: 2})
	form := url.Values{"email": {"nobody@example.com"}, "password": {"whatever1"}}

	for i := 0; i < 2; i++ {
		rr := env.do(formRequest(http.MethodPost, "/login", form), nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := env.do(formRequest(http.MethodPost, "/login", form), nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	// Reads are never limited.
	rr = env.do(httptest.NewRequest(http.MethodGet, "/login", nil), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBlockedMethod(t *testing.T) {
	env := newTestEnv(t, Options{})
	rr := env.do(httptest.NewRequest(http.MethodTrace, "/healthz", nil), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE carbook_http_requests_total counter",
		`carbook_cache_hits_total{cache="summary"}`,
		`carbook_rate_limit_clients{limiter="auth"}`,
		"carbook_records_saved_total 0",
		"carbook_uptime_seconds",
	} {
		assert.Contains(t, body, want)
	}
}

func TestStaticAssets(t *testing.T) {
	env := newTestEnv(t, Options{})
	rr := env.do(httptest.NewRequest(http.MethodGet, "/static/app.css", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "records")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrNotFound, http.StatusNotFound},
		{blob.ErrBadSignature, http.StatusForbidden},
		{blob.ErrLinkExpired, http.StatusForbidden},
		{auth.ErrEmailTaken, http.StatusConflict},
		{storage.ErrConflict, http.StatusConflict},
		{core.ErrMissingUser, http.StatusUnprocessableEntity},
		{auth.ErrInvalidLink, http.StatusBadRequest},
		{services.ErrTooManyUploads, http.StatusUnprocessableEntity},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
	assert.Equal(t, "Something went wrong, please try again", userMessage(io.ErrUnexpectedEOF))
}
