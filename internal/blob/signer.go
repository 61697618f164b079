package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"time"
)

// DefaultURLTTL is how long a signed receipt link stays valid.
const DefaultURLTTL = 30 * time.Minute

var (
	ErrLinkExpired  = errors.New("signed link expired")
	ErrBadSignature = errors.New("invalid link signature")
)

// Signer issues and verifies time-limited receipt links of the form
// {prefix}/{path}?exp={unix}&sig={hex}.
type Signer struct {
	key    []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewSigner(key []byte, ttl time.Duration, prefix string) *Signer {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Signer{key: key, ttl: ttl, prefix: prefix, now: time.Now}
}

// TTL returns the lifetime of issued links.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Sign returns a link to p and the moment it stops working.
func (s *Signer) Sign(p string) (string, time.Time) {
	exp := s.now().Add(s.ttl).Truncate(time.Second)
	expStr := strconv.FormatInt(exp.Unix(), 10)
	q := url.Values{}
	q.Set("exp", expStr)
	q.Set("sig", s.mac(p, expStr))
	return s.prefix + "/" + EscapePath(p) + "?" + q.Encode(), exp
}

// Verify checks a link's expiry and signature for p.
func (s *Signer) Verify(p, exp, sig string) error {
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	want := s.mac(p, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	if !s.now().Before(time.Unix(unix, 0)) {
		return ErrLinkExpired
	}
	return nil
}

func (s *Signer) mac(p, exp string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(p))
	h.Write([]byte{'\n'})
	h.Write([]byte(exp))
	return hex.EncodeToString(h.Sum(nil))
}
