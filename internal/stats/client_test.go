package stats

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"statpulse/internal/metrics"
	"statpulse/internal/task/engine"
	logx "statpulse/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second, RatePerSec: 100, Token: "s3cret"}, logx.Nop(), opts...)
	require.NoError(t, err)
	return c
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "  ", "ftp://stats.local", "://nope"} {
		_, err := NewClient(Config{BaseURL: raw}, logx.Nop())
		require.Error(t, err, raw)
	}
}

func TestClientEndpoints(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Method+" "+r.URL.Path] = r.Header.Get("Authorization")
		mu.Unlock()
		switch r.URL.Path {
		case "/api/history/count":
			_, _ = w.Write([]byte(`{"count":57}`))
		case "/api/periods/current":
			_, _ = w.Write([]byte(`{"period_id":12}`))
		case "/api/predictions/13":
			_, _ = w.Write([]byte(`{"top_performers":[{"id":1,"name":"A","score":9.1}],"best_value":[],"differentials":[{"id":2},{"id":3}]}`))
		case "/api/history/collect":
			_, _ = w.Write([]byte(`{"success":true,"total_records_created":420}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	require.NoError(t, c.RefreshCoreRecords(ctx))
	require.NoError(t, c.RefreshInjuryRecords(ctx))
	require.NoError(t, c.RefreshTransferRecords(ctx))

	n, err := c.CurrentHistoricalRecordCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 57, n)

	p, err := c.CurrentPeriodID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, p)

	res, err := c.ComputePrediction(ctx, p+1)
	require.NoError(t, err)
	assert.Equal(t, 13, res.Period)
	assert.Len(t, res.TopPerformers, 1)
	assert.Empty(t, res.BestValue)
	assert.Len(t, res.Differentials, 2)

	sum, err := c.RunHistoricalCollection(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Success)
	assert.Equal(t, 420, sum.TotalRecordsCreated)

	mu.Lock()
	defer mu.Unlock()
	for _, k := range []string{
		"POST /api/refresh/core", "POST /api/refresh/injuries", "POST /api/refresh/transfers",
		"GET /api/history/count", "GET /api/periods/current", "POST /api/predictions/13", "POST /api/history/collect",
	} {
		assert.Equal(t, "Bearer s3cret", seen[k], k)
	}
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		noRetry    bool
		hint       time.Duration
	}{
		{name: "server error retries", status: http.StatusBadGateway},
		{name: "not found is permanent", status: http.StatusNotFound, noRetry: true},
		{name: "unauthorized is permanent", status: http.StatusUnauthorized, noRetry: true},
		{name: "unauthorized with retry-after stays permanent", status: http.StatusUnauthorized, retryAfter: "5", noRetry: true},
		{name: "server error carries hint", status: http.StatusServiceUnavailable, retryAfter: "30", hint: 30 * time.Second},
		{name: "rate limited carries hint", status: http.StatusTooManyRequests, retryAfter: "120", hint: 2 * time.Minute},
		{name: "rate limited without hint", status: http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("upstream says no"))
			})
			err := c.RefreshCoreRecords(context.Background())
			require.Error(t, err)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Code)
			assert.Equal(t, "refresh_core", se.Endpoint)
			assert.Equal(t, "upstream says no", se.Body)
			assert.Equal(t, tt.noRetry, engine.IsNoRetry(err))

			var ra engine.RetryAfterError
			if tt.hint > 0 {
				require.True(t, errors.As(err, &ra))
				assert.Equal(t, tt.hint, ra.RetryAfter())
			} else {
				assert.False(t, errors.As(err, &ra))
			}
		})
	}
}

func TestComputePredictionRejectsBadPeriod(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.ComputePrediction(context.Background(), 0)
	require.True(t, engine.IsNoRetry(err))
}

func TestCurrentPeriodRejectsZero(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"period_id":0}`))
	})
	_, err := c.CurrentPeriodID(context.Background())
	require.Error(t, err)
}

func TestClientRecordsMetrics(t *testing.T) {
	m := metrics.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WithMetrics(m))
	require.Error(t, c.RefreshInjuryRecords(context.Background()))

	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range mfs {
		if mf.GetName() != "statpulse_stats_requests_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["endpoint"] == "refresh_injuries" && labels["status"] == "503" {
				found = metric.GetCounter().GetValue() == 1
			}
		}
	}
	require.True(t, found)
}

func TestClientHonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.RefreshCoreRecords(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	tests := map[string]time.Duration{
		"":                              0,
		"30":                            30 * time.Second,
		"-4":                            0,
		"soon":                          0,
		"Sat, 07 Mar 2026 12:01:00 GMT": time.Minute,
		"Sat, 07 Mar 2026 11:00:00 GMT": 0,
	}
	for in, want := range tests {
		if got := parseRetryAfter(in, now); got != want {
			t.Fatalf("parseRetryAfter(%q) = %s, want %s", in, got, want)
		}
	}
}
