package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(h http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestID(t *testing.T) {
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestIDFromContext(r.Context()) == "" {
			t.Error("expected request ID in context")
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected request ID in request header")
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generates request ID when not provided", func(t *testing.T) {
		rec := serve(handler, "", nil)
		if id := rec.Header().Get("X-Request-ID"); !strings.HasPrefix(id, "req-") || len(id) != 4+26 {
			t.Errorf("request ID = %q, want req-<ulid>", id)
		}
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		rec := serve(handler, "", map[string]string{"X-Request-ID": "existing-id-123"})
		if id := rec.Header().Get("X-Request-ID"); id != "existing-id-123" {
			t.Errorf("request ID = %q", id)
		}
	})
}

func TestChain(t *testing.T) {
	var order []int
	mark := func(n int) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, n)
				next.ServeHTTP(w, r)
			})
		}
	}
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		order = append(order, 4)
	}), mark(1), mark(2), mark(3))

	serve(handler, "", nil)
	if !slices.Equal(order, []int{1, 2, 3, 4}) {
		t.Errorf("order = %v", order)
	}
}

func TestTokenAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "s3cret", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rec := serve(TokenAuth(tt.token)(okHandler), "", headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNetworkACL(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		remote    string
		want      int
	}{
		{"empty allowlist", nil, "192.168.1.100:12345", http.StatusOK},
		{"matching single IP", []string{"192.168.1.100"}, "192.168.1.100:12345", http.StatusOK},
		{"matching CIDR", []string{"10.0.0.0/8"}, "10.1.2.3:12345", http.StatusOK},
		{"non-matching IP", []string{"192.168.1.0/24"}, "10.0.0.1:12345", http.StatusForbidden},
		{"IPv6 CIDR", []string{"2001:db8::/32"}, "[2001:db8::1]:12345", http.StatusOK},
		{"IPv6 single IP", []string{"::1"}, "[::1]:12345", http.StatusOK},
		{"invalid entries ignored", []string{"bogus", "10.0.0.0/8"}, "10.0.0.1:1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NetworkACL(&NetworkACLConfig{AllowList: tt.allowList, Logger: discardLogger()})
			if rec := serve(mw(okHandler), tt.remote, nil); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	t.Run("limits requests from same IP", func(t *testing.T) {
		handler := RateLimit(2)(okHandler)
		for i := 0; i < 2; i++ {
			if rec := serve(handler, "10.0.0.99:12345", nil); rec.Code != http.StatusOK {
				t.Errorf("request %d: status = %d", i+1, rec.Code)
			}
		}
		rec := serve(handler, "10.0.0.99:12345", nil)
		if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
			t.Errorf("third request: status = %d", rec.Code)
		}
	})

	t.Run("different IPs have separate limits", func(t *testing.T) {
		handler := RateLimit(1)(okHandler)
		for _, addr := range []string{"192.168.100.1:1", "192.168.100.2:1"} {
			if rec := serve(handler, addr, nil); rec.Code != http.StatusOK {
				t.Errorf("%s: status = %d", addr, rec.Code)
			}
		}
	})

	t.Run("tokens refill over time", func(t *testing.T) {
		handler := RateLimit(10)(okHandler)
		for i := 0; i < 10; i++ {
			serve(handler, "10.0.0.88:1", nil)
		}
		if rec := serve(handler, "10.0.0.88:1", nil); rec.Code != http.StatusTooManyRequests {
			t.Errorf("exhausted: status = %d", rec.Code)
		}
		time.Sleep(200 * time.Millisecond)
		if rec := serve(handler, "10.0.0.88:1", nil); rec.Code != http.StatusOK {
			t.Errorf("after refill: status = %d", rec.Code)
		}
	})

	t.Run("zero disables limiting", func(t *testing.T) {
		handler := RateLimit(0)(okHandler)
		for i := 0; i < 50; i++ {
			if rec := serve(handler, "10.0.0.1:1", nil); rec.Code != http.StatusOK {
				t.Fatalf("request %d: status = %d", i+1, rec.Code)
			}
		}
	})
}

func TestRecover(t *testing.T) {
	handler := Recover(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("test panic")
	}))
	rec := serve(handler, "", nil)
	if rec.Code != http.StatusInternalServerError || rec.Header().Get("X-Error-Code") != "MT-SYS-5000" {
		t.Errorf("status = %d, code = %q", rec.Code, rec.Header().Get("X-Error-Code"))
	}

	if rec := serve(Recover(discardLogger())(okHandler), "", nil); rec.Code != http.StatusOK {
		t.Errorf("passthrough status = %d", rec.Code)
	}
}

func TestAudit(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusOK, "request completed"},
		{http.StatusBadRequest, "client error"},
		{http.StatusInternalServerError, "level=ERROR"},
	}
	for _, tt := range tests {
		var buf strings.Builder
		handler := Audit(slog.New(slog.NewTextHandler(&buf, nil)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req = req.WithContext(context.WithValue(req.Context(), ContextKeyRequestID, "test-req-123"))
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if out := buf.String(); !strings.Contains(out, tt.want) || !strings.Contains(out, "test-req-123") {
			t.Errorf("status %d: log = %s", tt.status, out)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"X-Forwarded-For", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "10.0.0.1"},
		{"X-Real-IP", map[string]string{"X-Real-IP": "10.0.0.3"}, "10.0.0.3"},
		{"RemoteAddr", nil, "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = "192.168.1.1:12345"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResponseWriter(t *testing.T) {
	wrapped := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	wrapped.WriteHeader(http.StatusCreated)
	if wrapped.statusCode != http.StatusCreated {
		t.Errorf("statusCode = %d, want 201", wrapped.statusCode)
	}
}
