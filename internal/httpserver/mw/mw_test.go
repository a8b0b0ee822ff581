package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestMatchHost(t *testing.T) {
	tests := []struct {
		host, pattern string
		want          bool
	}{
		{"relay.example.com", "relay.example.com", true},
		{"a.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"evil.com", "*.example.com", false},
		{"other.example.org", "relay.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host+"~"+tt.pattern, func(t *testing.T) {
			if got := matchHost(tt.host, tt.pattern); got != tt.want {
				t.Errorf("matchHost(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestEnforceHostIgnoresPort(t *testing.T) {
	h := EnforceHost([]string{"relay.example.com"}, logger.NewNop())(okHandler)

	req := httptest.NewRequest(http.MethodGet, "http://relay.example.com:8080/instances", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://other.example.com/instances", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAllowOnlyCIDRS(t *testing.T) {
	h := AllowOnlyCIDRS([]string{"10.0.0.0/8", "192.168.1.5"}, false, logger.NewNop())(okHandler)

	tests := []struct {
		remote string
		want   int
	}{
		{"10.1.2.3:5555", http.StatusOK},
		{"192.168.1.5:80", http.StatusOK},
		{"192.168.1.6:80", http.StatusForbidden},
		{"[::1]:80", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	// Trailing slash and case differ from what browsers send.
	h := CORS([]string{"https://Dash.example.com/"})(okHandler)

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  string
		wantOrigin string
		wantMaxAge string
	}{
		{
			name:       "allowed preflight",
			method:     http.MethodOptions,
			origin:     "https://dash.example.com",
			preflight:  http.MethodPut,
			wantOrigin: "https://dash.example.com",
			wantMaxAge: "600",
		},
		{
			name:       "allowed simple request",
			method:     http.MethodGet,
			origin:     "https://dash.example.com",
			wantOrigin: "https://dash.example.com",
		},
		{
			name:      "disallowed preflight",
			method:    http.MethodOptions,
			origin:    "https://evil.example.com",
			preflight: http.MethodPut,
		},
		{
			name:   "disallowed simple request",
			method: http.MethodGet,
			origin: "https://evil.example.com",
		},
		{
			name:   "no origin",
			method: http.MethodGet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/instances", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight != "" {
				req.Header.Set("Access-Control-Request-Method", tt.preflight)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Max-Age"); got != tt.wantMaxAge {
				t.Errorf("Access-Control-Max-Age = %q, want %q", got, tt.wantMaxAge)
			}
			if tt.origin != "" && rec.Header().Get("Vary") == "" {
				t.Error("missing Vary header")
			}
			if tt.method == http.MethodGet && rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{Burst: 2, RefillPerIPPerMin: 1})(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/register", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/register", nil)
	req.RemoteAddr = "203.0.113.8:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
}

func TestIPLimiterSweepsIdleVisitors(t *testing.T) {
	l := newIPLimiter(RateLimitConfig{Burst: 1, RefillPerIPPerMin: 1, IdleTTL: time.Minute, SweepInterval: time.Second})
	now := time.Now()
	l.get("a", now)
	l.get("b", now.Add(2*time.Minute))

	l.mu.Lock()
	_, ok := l.visitors["a"]
	l.mu.Unlock()
	if ok {
		t.Error("idle visitor was not swept")
	}
}

func TestStatusWriterHijack(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := sw.Hijack(); err == nil {
		t.Error("Hijack() on a recorder should fail")
	}
	if sw.Unwrap() == nil {
		t.Error("Unwrap() returned nil")
	}
}
