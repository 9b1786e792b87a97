package diaghttp_test

import (
	"net/http"
	"testing"

	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/diaghttp"
)

func TestCookieEligibility(t *testing.T) {
	t.Parallel()

	e := &diaghttp.CookieEligibility{Key: []byte("secret")}
	forged := (&diaghttp.CookieEligibility{Key: []byte("other")}).Cookie("abc123")

	for _, tc := range []struct {
		name      string
		cookie    *http.Cookie
		secure    bool
		insecure  bool
		wantToken string
	}{
		{"signed", e.Cookie("abc123"), true, false, "abc123"},
		{"plaintext", &http.Cookie{Name: diaghttp.DefaultCookieName, Value: "abc123"}, true, false, ""},
		{"forged", forged, true, false, ""},
		{"no cookie", nil, true, false, ""},
		{"not secure", e.Cookie("abc123"), false, false, ""},
		{"insecure allowed", e.Cookie("abc123"), false, true, "abc123"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := &diaghttp.CookieEligibility{Key: []byte("secret"), AllowInsecure: tc.insecure}

			header := http.Header{}
			if tc.cookie != nil {
				header.Set("Cookie", tc.cookie.String())
			}
			meta := diag.RequestMeta{Method: "GET", Path: "/", Secure: tc.secure, Header: header}

			token, ok := e.ClientToken(meta)
			AssertEqual(t, tc.wantToken, token)
			AssertEqual(t, tc.wantToken != "", ok)
			AssertEqual(t, tc.wantToken != "", e.IsEligible(meta))
		})
	}
}

func TestCookieVerify(t *testing.T) {
	t.Parallel()

	e := &diaghttp.CookieEligibility{Key: []byte("secret")}

	token, ok := e.Verify(e.Sign("tok"))
	AssertEqual(t, true, ok)
	AssertEqual(t, "tok", token)

	for _, value := range []string{"", "tok", "tok.", ".sig", e.Sign("tok") + "x"} {
		_, ok := e.Verify(value)
		AssertEqual(t, false, ok)
	}

	_, ok = (&diaghttp.CookieEligibility{}).Verify(e.Sign("tok"))
	AssertEqual(t, false, ok)
}
