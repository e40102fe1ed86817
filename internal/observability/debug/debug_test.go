package debug

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "thumbq/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerMetricsAndHealth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "thumbq_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := Handler(Config{Metrics: true}, reg, func() (any, error) {
		return map[string]int{"backlog": 3}, nil
	})

	rec := get(t, h, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "thumbq_test_total 1") {
		t.Fatalf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
	rec = get(t, h, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"backlog":3`) {
		t.Fatalf("/healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec = get(t, h, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestHandlerUnhealthy(t *testing.T) {
	t.Parallel()

	h := Handler(Config{}, nil, func() (any, error) { return "closed", errors.New("scheduler closed") })
	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/healthz = %d, want 503", rec.Code)
	}
	if rec := get(t, h, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("/metrics with metrics disabled = %d, want 404", rec.Code)
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()

	h := Handler(Config{Token: "s3cret", Prefix: "/pp"}, nil, nil)
	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}
	if rec := get(t, h, "/healthz", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", rec.Code)
	}
	if rec := get(t, h, "/healthz", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", rec.Code)
	}
	if rec := get(t, h, "/pp/?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token on custom prefix = %d, want 200", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("debug server did not bind")
	return ""
}

func TestServiceReconfigure(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(context.Background()) })

	addr := waitAddr(t, s)
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("/healthz = %d %q", resp.StatusCode, body)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server still running after disable")
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	sup := s.Supervisor()
	deadline := time.Now().Add(3 * time.Second)
	for sup.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !errors.Is(sup.Err(), ErrInsecureBind) {
		t.Fatalf("supervisor err = %v, want ErrInsecureBind", sup.Err())
	}
	if s.Addr() != "" {
		t.Fatal("insecure server bound anyway")
	}
}
