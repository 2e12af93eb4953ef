package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewServerAllowedIPs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()

	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR notation", []string{"192.168.0.0/16", "10.0.0.0/8"}, 2},
		{"with invalid", []string{"192.168.1.1", "invalid", "10.0.0.1"}, 2},
		{"IPv6", []string{"::1", "fe80::/10"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, ":9090", "/metrics", tt.allowedIPs, logger)
			if len(s.allowedIPs) != tt.wantCount {
				t.Errorf("expected %d allowed IPs, got %d", tt.wantCount, len(s.allowedIPs))
			}
		})
	}
}

func TestIsIPAllowed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(New(), ":9090", "/metrics", []string{
		"192.168.1.100",
		"10.0.0.0/8",
		"::1",
	}, logger)

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"10.255.255.255", true},
		{"11.0.0.1", false},
		{"::1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if s.isIPAllowed(net.ParseIP(tt.ip)) != tt.allowed {
				t.Errorf("isIPAllowed(%s) = %v, want %v", tt.ip, !tt.allowed, tt.allowed)
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(New(), ":9090", "/metrics", nil, logger)

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expectedIP string
	}{
		{"from RemoteAddr with port", "192.168.1.100:12345", nil, "192.168.1.100"},
		{"from X-Forwarded-For multiple", "127.0.0.1:12345", map[string]string{"X-Forwarded-For": "10.0.0.1, 192.168.1.1"}, "10.0.0.1"},
		{"from X-Real-IP", "127.0.0.1:12345", map[string]string{"X-Real-IP": "172.16.0.1"}, "172.16.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			ip := s.getClientIP(req)
			if ip == nil || ip.String() != tt.expectedIP {
				t.Errorf("getClientIP() = %v, want %s", ip, tt.expectedIP)
			}
		})
	}
}

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.IncClaims(ClaimClaimed)

	s := NewServer(m, ":9090", "/metrics", []string{"192.168.1.0/24"}, logger)
	h := s.Handler()

	t.Run("metrics allowed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "courier_claims_total") {
			t.Error("metrics output is missing courier_claims_total")
		}
	})

	t.Run("metrics denied", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("expected status %d, got %d", http.StatusForbidden, rec.Code)
		}
	})

	t.Run("health is not filtered", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
			t.Errorf("health = %d %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("health check failing", func(t *testing.T) {
		s.SetHealthCheck(func(ctx context.Context) error { return errors.New("store closed") })
		defer s.SetHealthCheck(nil)

		req := httptest.NewRequest("GET", "/health", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})
}
