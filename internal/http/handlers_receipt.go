package http

import (
	"io"
	"net/http"
	"net/url"
	"strconv"

	"carbook/internal/blob"
	"carbook/internal/core"
	applog "carbook/internal/log"
)

// handleSignedReceipt streams a receipt when the link signature and expiry
// check out. No session is needed: the signature is the capability.
func (s *Server) handleSignedReceipt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body, obj, err := s.receipts.Open(r.Context(), r.PathValue("path"), q.Get("exp"), q.Get("sig"))
	s.serveReceipt(w, r, body, obj, err, "private, max-age=300")
}

// handlePublicReceipt serves receipts straight from a public bucket.
func (s *Server) handlePublicReceipt(w http.ResponseWriter, r *http.Request) {
	if !s.receipts.Public() {
		http.NotFound(w, r)
		return
	}
	body, obj, err := s.receipts.OpenPublic(r.Context(), r.PathValue("path"))
	s.serveReceipt(w, r, body, obj, err, "public, max-age=3600")
}

func (s *Server) serveReceipt(w http.ResponseWriter, r *http.Request, body io.ReadCloser, obj blob.Object, err error, cacheControl string) {
	if err != nil {
		fields := applog.NewFields().WithComponent(applog.ComponentReceipts)
		fields[applog.FieldReceipt] = r.PathValue("path")
		status := s.logError(r, "Receipt not served", err, fields)
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer body.Close()

	ct := obj.ContentType
	if ct == "" {
		ct = blob.ContentTypeFor(obj.Path)
	}
	w.Header().Set("Content-Type", ct)
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Receipt stream interrupted",
			applog.FieldReceipt, obj.Path,
			applog.FieldError, err)
	}
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Invalid form")
		return
	}
	p := r.PostForm.Get("path")
	if err := s.records.RemoveReceipt(r.Context(), user.ID, id, p); err != nil {
		fields := recordFields(user.ID, id).WithOperation(applog.OpDelete)
		fields[applog.FieldReceipt] = p
		status := s.logError(r, "Failed to remove receipt", err, fields)
		s.renderError(w, r, status, userMessage(err))
		return
	}
	if isHTMX(r) {
		NewHTMXResponse().
			TriggerReceiptDeleted(id).
			TriggerSuccessNotification("Receipt removed").
			Write(w)
		return
	}
	http.Redirect(w, r, "/records/"+url.PathEscape(id), http.StatusSeeOther)
}
