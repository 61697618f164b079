// Package security holds the browser hardening headers and the scanner
// detector that sit in front of every route.
package security

import (
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"

	applog "carbook/internal/log"
)

// Reason names why a request looks hostile.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonMethod     Reason = "method"
	ReasonProbe      Reason = "pattern"
	ReasonScanner    Reason = "user_agent"
	ReasonLongURL    Reason = "url_length"
	ReasonProxyChain Reason = "proxy_chain"
)

const (
	maxURLLength  = 2048
	maxProxyHops  = 6
	allowedMethod = "GET, HEAD, POST, PUT, PATCH, DELETE"
)

// probes are substrings of paths and queries no carbook URL contains.
var probes = []string{
	"../", "..\\", ".env", ".git", ".ssh", "wp-admin", "wp-login",
	"phpmyadmin", "admin.php", "config.php", "etc/passwd", "cmd.exe",
	"<script", "javascript:", "eval(", "union select",
}

var scanners = []string{"sqlmap", "nmap", "nikto", "gobuster", "dirb", "masscan", "zgrab"}

// neverServed methods are answered with 405 before routing.
var neverServed = map[string]bool{"TRACE": true, "TRACK": true, "DEBUG": true, "CONNECT": true}

// defaultTrusted are the networks allowed to set forwarding headers.
var defaultTrusted = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
}

// Stats counts flagged requests; Blocked is the subset refused outright.
type Stats struct {
	Suspicious int64
	Blocked    int64
}

// Detector logs requests that look like scanning and resolves the client
// address behind trusted proxies.
type Detector struct {
	trusted    []netip.Prefix
	suspicious atomic.Int64
	blocked    atomic.Int64
}

// NewDetector trusts loopback, private networks and extra.
func NewDetector(extra ...netip.Prefix) *Detector {
	return &Detector{trusted: append(append([]netip.Prefix(nil), defaultTrusted...), extra...)}
}

// Classify returns why r looks hostile, or ReasonNone.
func (d *Detector) Classify(r *http.Request) Reason {
	if neverServed[r.Method] {
		return ReasonMethod
	}
	query, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil {
		query = r.URL.RawQuery
	}
	target := strings.ToLower(r.URL.Path + "?" + query)
	for _, p := range probes {
		if strings.Contains(target, p) {
			return ReasonProbe
		}
	}
	ua := strings.ToLower(r.UserAgent())
	for _, s := range scanners {
		if strings.Contains(ua, s) {
			return ReasonScanner
		}
	}
	if len(r.URL.String()) > maxURLLength {
		return ReasonLongURL
	}
	if strings.Count(r.Header.Get("X-Forwarded-For"), ",") >= maxProxyHops {
		return ReasonProxyChain
	}
	return ReasonNone
}

// Wrap logs and counts suspicious requests. Only never-served methods are
// refused; scanner paths fall through to the router's 404.
func (d *Detector) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reason := d.Classify(r)
		if reason == ReasonNone {
			next.ServeHTTP(w, r)
			return
		}
		d.suspicious.Add(1)
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
			applog.FieldComponent, applog.ComponentSecurity,
			"reason", string(reason),
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path,
			applog.FieldClientIP, d.ClientIP(r),
			applog.FieldUserAgent, r.UserAgent())
		if reason == ReasonMethod {
			d.blocked.Add(1)
			w.Header().Set("Allow", allowedMethod)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP is the peer address, or the first X-Forwarded-For hop (then
// X-Real-IP) when the peer is a trusted proxy.
func (d *Detector) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil || !d.isTrusted(addr.Unmap()) {
		return peer
	}

	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	for _, candidate := range []string{first, r.Header.Get("X-Real-IP")} {
		candidate = strings.TrimSpace(candidate)
		if _, err := netip.ParseAddr(candidate); err == nil {
			return candidate
		}
	}
	return peer
}

func (d *Detector) isTrusted(addr netip.Addr) bool {
	for _, p := range d.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (d *Detector) Stats() Stats {
	return Stats{Suspicious: d.suspicious.Load(), Blocked: d.blocked.Load()}
}
