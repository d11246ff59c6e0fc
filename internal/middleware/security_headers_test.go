package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveWith(mw func(http.Handler) http.Handler) *httptest.ResponseRecorder {
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("body"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestSecurityHeaders_Defaults(t *testing.T) {
	rec := serveWith(SecurityHeaders(DefaultSecurityHeaders()))

	want := map[string]string{
		"X-Content-Type-Options":       "nosniff",
		"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
		"X-Frame-Options":              "DENY",
		"Referrer-Policy":              "no-referrer",
		"Cross-Origin-Resource-Policy": "same-origin",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS set without max-age: %q", got)
	}
	if rec.Code != http.StatusTeapot || rec.Body.String() != "body" {
		t.Errorf("response altered: %d %q", rec.Code, rec.Body.String())
	}
}

func TestSecurityHeaders_Production(t *testing.T) {
	rec := serveWith(SecurityHeaders(ProductionSecurityHeaders()))
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestSecurityHeaders_Disabled(t *testing.T) {
	rec := serveWith(SecurityHeaders(SecurityHeadersConfig{}))
	if got := rec.Header().Get("X-Content-Type-Options"); got != "" {
		t.Errorf("disabled middleware set header %q", got)
	}
}

func TestSecurityHeaders_CustomAndEmpty(t *testing.T) {
	cfg := DefaultSecurityHeaders()
	cfg.FrameOptions = ""
	cfg.Custom = map[string]string{"X-Service": "arc-sentinel"}
	rec := serveWith(SecurityHeaders(cfg))

	if got := rec.Header().Get("X-Service"); got != "arc-sentinel" {
		t.Errorf("custom header = %q", got)
	}
	if _, ok := rec.Header()["X-Frame-Options"]; ok {
		t.Error("empty header value should be omitted")
	}
}
