package mw

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skyvoice-ai/skyvoice/pkg/gateway/auth"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" || !strings.HasPrefix(seen, "req_") {
		t.Fatalf("request id in context = %q, want generated req_ id", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("X-Request-ID header = %q, want %q", got, seen)
	}
}

func TestRequestID_HonorsClientHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req_client_1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "req_client_1" {
		t.Fatalf("request id = %q, want client-supplied id", seen)
	}
}

func TestAuth_RequiredRejectsMissingToken(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"k1": {}}}
	h := Auth(cfg, okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/other", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "authentication_error" {
		t.Fatalf("error code = %q", body.Error.Code)
	}
}

func TestAuth_RequiredRejectsInvalidKey(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"k1": {}}}
	h := Auth(cfg, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/other", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_ValidKeySetsPrincipal(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"k1": {}}}
	var principal *auth.Principal
	h := Auth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = auth.PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/other", nil)
	req.Header.Set("Authorization", "Bearer k1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if principal == nil || principal.APIKey != "k1" {
		t.Fatalf("principal = %+v, want APIKey k1", principal)
	}
}

func TestAuth_ExemptPaths(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"k1": {}}}
	h := Auth(cfg, okHandler())

	for _, p := range []string{"/healthz", "/readyz", "/metrics", "/v1/live"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200 without credentials", p, rec.Code)
		}
	}
}

func TestAuth_OptionalAllowsAnonymous(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeOptional, APIKeys: map[string]struct{}{"k1": {}}}
	h := Auth(cfg, okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/other", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for anonymous optional auth", rec.Code)
	}
}

func TestRecover_TurnsPanicInto500(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Recover(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("log output = %q, want panic value logged", buf.String())
	}
}

func TestAccessLog_RecordsStatusAndPath(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestID(AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/live", nil))

	out := buf.String()
	if !strings.Contains(out, "status=418") {
		t.Fatalf("log = %q, want status=418", out)
	}
	if !strings.Contains(out, "path=/v1/live") {
		t.Fatalf("log = %q, want path", out)
	}
	if !strings.Contains(out, "request_id=req_") {
		t.Fatalf("log = %q, want request id", out)
	}
}

func TestStatusWriter_HijackPassesThrough(t *testing.T) {
	// httptest.ResponseRecorder does not implement http.Hijacker, so the
	// wrapper must degrade to an explicit error instead of panicking.
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatal("Hijack on non-hijackable writer = nil error")
	}

	var hijacked bool
	srv := httptest.NewServer(AccessLog(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("access log writer does not expose http.Hijacker")
			return
		}
		conn, rw, err := hj.Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		hijacked = true
		_, _ = rw.WriteString("HTTP/1.1 204 No Content\r\n\r\n")
		_ = rw.Flush()
		_ = conn.Close()
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if !hijacked {
		t.Fatal("handler never hijacked the connection")
	}
}
