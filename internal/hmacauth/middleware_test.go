package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

var testNow = time.Unix(1_700_000_000, 0)

func newVerifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return testNow },
	}
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"mintA":"x","deposit":"100"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/escrows", strings.NewReader(body))
	if err := SignRequest(req, "secret", testNow); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	newVerifier().Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	ts := strconv.FormatInt(testNow.Unix(), 10)
	stale := strconv.FormatInt(testNow.Add(-2*time.Minute).Unix(), 10)
	body := []byte(`{}`)
	path := "/api/v1/escrows/abc/fulfil"

	cases := []struct {
		name string
		sig  string
		ts   string
	}{
		{"missing signature", "", ts},
		{"missing timestamp", Sign("secret", ts, http.MethodPost, path, body), ""},
		{"stale", Sign("secret", stale, http.MethodPost, path, body), stale},
		{"wrong secret", Sign("other", ts, http.MethodPost, path, body), ts},
		{"wrong path", Sign("secret", ts, http.MethodPost, "/api/v1/escrows/abc/cancel", body), ts},
		{"garbage", "deadbeef", ts},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
			if tc.sig != "" {
				req.Header.Set(HeaderSignature, tc.sig)
			}
			if tc.ts != "" {
				req.Header.Set(HeaderTimestamp, tc.ts)
			}
			rec := httptest.NewRecorder()

			newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestMiddleware_DisabledWithoutSecret(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
