package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"statpulse/internal/metrics"
	logx "statpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func testSources() Sources {
	return Sources{
		Metrics:   metrics.New().Handler(),
		Health:    func() any { return map[string]any{"status": "ok", "workers": 2} },
		Schedules: func() any { return []string{"full-data-update"} },
	}
}

func TestHandlerEndpoints(t *testing.T) {
	s := New(Config{}, testSources(), logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","workers":2}`, rec.Body.String())

	rec = get(t, h, "/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `["full-data-update"]`, rec.Body.String())

	rec = get(t, h, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")

	require.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", "").Code)
}

func TestHandlerWithoutSources(t *testing.T) {
	h := New(Config{}, Sources{}, logx.Nop()).Handler(Config{})
	rec := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.Equal(t, http.StatusNotFound, get(t, h, "/metrics", "").Code)
}

func TestHandlerAuth(t *testing.T) {
	cfg := Config{Token: "t0ken", Pprof: true, PprofPrefix: "/dbg"}
	h := New(cfg, testSources(), logx.Nop()).Handler(cfg)

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", "wrong").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/metrics", "t0ken").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz?token=t0ken", "").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/dbg/", "t0ken").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/dbg/cmdline", "t0ken").Code)
	require.Equal(t, http.StatusPermanentRedirect, get(t, h, "/dbg", "").Code)
}

func TestServerLifecycle(t *testing.T) {
	s := New(Config{}, testSources(), logx.Nop())
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.True(t, s.Enabled())

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"status"`)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	require.Eventually(t, func() bool { return s.Addr() == "" }, 2*time.Second, 10*time.Millisecond)
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, testSources(), logx.Nop())
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, s.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.4:9090":  false,
		"garbage":        false,
	}
	for in, want := range tests {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
}
