package http

import (
	"errors"
	"net/http"

	"carbook/internal/auth"
	"carbook/internal/core"
	applog "carbook/internal/log"
)

type loginPage struct {
	page
	Email string
	Next  string
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, status int, lp loginPage) {
	lp.Title = "Sign in"
	s.render(w, r, status, "login.html", lp)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := auth.SafeRedirect(r.URL.Query().Get("next"))
	if _, ok := userFrom(r.Context()); ok {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	lp := loginPage{page: newPage(r, ""), Next: next}
	if r.URL.Query().Get("sent") == "1" {
		lp.Notice = "Check your inbox for a sign-in link."
	}
	s.renderLogin(w, r, http.StatusOK, lp)
}

// credentials reads email, password and next from a JSON or form body.
func credentials(r *http.Request) (email, password, next string, isJSON bool, err error) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		return "", "", "", false, err
	}
	return p.Get("email"), p.Get("password"), auth.SafeRedirect(p.Get("next")), p.IsJSON(), nil
}

// signedIn completes a successful sign in: cookie, then redirect or JSON.
func (s *Server) signedIn(w http.ResponseWriter, r *http.Request, sess auth.Session, next string, isJSON bool) {
	s.setSessionCookie(w, sess)
	if isJSON {
		writeJSON(w, http.StatusOK, map[string]any{"expires_at": sess.ExpiresAt})
		return
	}
	redirect(w, r, next)
}

func (s *Server) authFailed(w http.ResponseWriter, r *http.Request, msg string, err error, email, next string, isJSON bool) {
	status := s.logError(r, msg, err, applog.NewFields().WithComponent(applog.ComponentAuth))
	text := userMessage(err)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		text = "Wrong email or password."
	}
	if isJSON {
		writeJSONError(w, status, text)
		return
	}
	lp := loginPage{page: newPage(r, ""), Email: email, Next: next}
	lp.Error = text
	s.renderLogin(w, r, status, lp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	email, password, next, isJSON, err := credentials(r)
	if err != nil {
		s.authFailed(w, r, "Invalid sign-in request", err, "", "/", false)
		return
	}
	sess, err := s.auth.SignIn(r.Context(), email, password)
	if err != nil {
		s.authFailed(w, r, "Sign in failed", err, email, next, isJSON)
		return
	}
	s.signedIn(w, r, sess, next, isJSON)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	email, password, next, isJSON, err := credentials(r)
	if err != nil {
		s.authFailed(w, r, "Invalid sign-up request", err, "", "/", false)
		return
	}
	sess, err := s.auth.SignUp(r.Context(), email, password)
	if err != nil {
		s.authFailed(w, r, "Sign up failed", err, email, next, isJSON)
		return
	}
	s.signedIn(w, r, sess, next, isJSON)
}

// handleSetPassword lets a signed-in user, typically one who so far only
// used magic links, set a password.
func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request, user core.User) {
	p := NewRequestBodyParser(r)
	err := p.Parse()
	if err == nil {
		err = s.auth.SetPassword(r.Context(), user.ID, p.Get("password"))
	}
	if err != nil {
		status := s.logError(r, "Set password failed", err, applog.NewFields().WithComponent(applog.ComponentAuth).WithUser(user.ID))
		if p.IsJSON() {
			writeJSONError(w, status, userMessage(err))
			return
		}
		s.renderVehicles(w, r, user, status, "", userMessage(err))
		return
	}
	if p.IsJSON() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		return
	}
	redirect(w, r, "/vehicles")
}

func (s *Server) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	email, _, next, isJSON, err := credentials(r)
	if err != nil {
		s.authFailed(w, r, "Invalid magic link request", err, "", "/", false)
		return
	}
	if err := s.auth.SendMagicLink(r.Context(), email, next); err != nil {
		s.authFailed(w, r, "Magic link request failed", err, email, next, isJSON)
		return
	}
	if isJSON {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
		return
	}
	redirect(w, r, "/login?sent=1")
}

func (s *Server) handleConsumeMagicLink(w http.ResponseWriter, r *http.Request) {
	sess, target, err := s.auth.ConsumeMagicLink(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		status := s.logError(r, "Magic link rejected", err, applog.NewFields().WithComponent(applog.ComponentAuth))
		lp := loginPage{page: newPage(r, ""), Next: "/"}
		lp.Error = "This sign-in link is invalid or has expired. Request a new one."
		s.renderLogin(w, r, status, lp)
		return
	}
	s.setSessionCookie(w, sess)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.CookieName); err == nil && c.Value != "" {
		if err := s.auth.SignOut(r.Context(), c.Value); err != nil {
			s.logError(r, "Sign out failed", err, applog.NewFields().WithComponent(applog.ComponentAuth))
		}
	}
	s.clearSessionCookie(w)
	redirect(w, r, "/login")
}
