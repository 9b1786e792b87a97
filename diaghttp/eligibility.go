package diaghttp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/peterbourgon/diag"
)

// DefaultCookieName is the cookie read by CookieEligibility.
const DefaultCookieName = "diag_token"

// CookieEligibility makes requests eligible for diagnostics when they carry a
// client token cookie signed with a shared key. The token identifies the
// viewer client, and is used as the key of its history.
type CookieEligibility struct {
	// Key used to sign and verify tokens. Required.
	Key []byte

	// CookieName is the name of the token cookie. Default is
	// DefaultCookieName.
	CookieName string

	// AllowInsecure permits eligibility for requests that weren't made over
	// TLS, e.g. in development.
	AllowInsecure bool

	// Activate reports whether an ineligible request could opt in, e.g.
	// because the user is an employee. Optional.
	Activate func(diag.RequestMeta) bool
}

var (
	_ diag.Eligibility = (*CookieEligibility)(nil)
	_ diag.Activator   = (*CookieEligibility)(nil)
)

// IsEligible implements diag.Eligibility.
func (e *CookieEligibility) IsEligible(meta diag.RequestMeta) bool {
	_, ok := e.ClientToken(meta)
	return ok
}

// ClientToken implements diag.Eligibility, returning the verified token from
// the cookie.
func (e *CookieEligibility) ClientToken(meta diag.RequestMeta) (string, bool) {
	if !meta.Secure && !e.AllowInsecure {
		return "", false
	}

	cookie, err := (&http.Request{Header: meta.Header}).Cookie(e.cookieName())
	if err != nil {
		return "", false
	}

	return e.Verify(cookie.Value)
}

// CanActivate implements diag.Activator.
func (e *CookieEligibility) CanActivate(meta diag.RequestMeta) bool {
	if !meta.Secure && !e.AllowInsecure {
		return false
	}
	return e.Activate != nil && e.Activate(meta)
}

// Sign returns the cookie value for the given token.
func (e *CookieEligibility) Sign(token string) string {
	return token + "." + e.mac(token)
}

// Verify checks the signature of a cookie value, and returns the token.
func (e *CookieEligibility) Verify(value string) (string, bool) {
	token, sig, ok := strings.Cut(value, ".")
	if !ok || token == "" || len(e.Key) == 0 {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(e.mac(token))) {
		return "", false
	}
	return token, true
}

// Cookie returns the signed cookie for the given token.
func (e *CookieEligibility) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     e.cookieName(),
		Value:    e.Sign(token),
		Path:     "/",
		HttpOnly: true,
		Secure:   !e.AllowInsecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (e *CookieEligibility) cookieName() string {
	if e.CookieName == "" {
		return DefaultCookieName
	}
	return e.CookieName
}

func (e *CookieEligibility) mac(token string) string {
	h := hmac.New(sha256.New, e.Key)
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
