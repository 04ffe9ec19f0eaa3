package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"statpulse/internal/metrics"
	"statpulse/internal/task/engine"
	logx "statpulse/pkg/logx"
)

const maxErrorBody = 512

// Client talks JSON over HTTP to the statistics service. It is safe for
// concurrent use.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	metrics *metrics.Recorder
	log     logx.Logger
	now     func() time.Time
}

var _ Collaborator = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithMetrics(m *metrics.Recorder) Option { return func(c *Client) { c.metrics = m } }

func NewClient(cfg Config, log logx.Logger, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("stats.base_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("stats.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("stats.base_url: unsupported scheme %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}

	c := &Client{
		base:    u,
		token:   strings.TrimSpace(cfg.Token),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log.With(logx.String("comp", "stats")),
		now:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c, nil
}

func (c *Client) RefreshCoreRecords(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "refresh_core", "/api/refresh/core", nil)
}

func (c *Client) RefreshInjuryRecords(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "refresh_injuries", "/api/refresh/injuries", nil)
}

func (c *Client) RefreshTransferRecords(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "refresh_transfers", "/api/refresh/transfers", nil)
}

func (c *Client) ComputePrediction(ctx context.Context, period int) (PredictionResult, error) {
	var out PredictionResult
	if period <= 0 {
		return out, engine.NoRetry(fmt.Errorf("stats: invalid period %d", period))
	}
	err := c.do(ctx, http.MethodPost, "predictions", "/api/predictions/"+strconv.Itoa(period), &out)
	if out.Period == 0 {
		out.Period = period
	}
	return out, err
}

func (c *Client) CurrentHistoricalRecordCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "history_count", "/api/history/count", &out)
	return out.Count, err
}

func (c *Client) RunHistoricalCollection(ctx context.Context) (CollectionSummary, error) {
	var out CollectionSummary
	err := c.do(ctx, http.MethodPost, "history_collect", "/api/history/collect", &out)
	return out, err
}

func (c *Client) CurrentPeriodID(ctx context.Context) (int, error) {
	var out struct {
		PeriodID int `json:"period_id"`
	}
	if err := c.do(ctx, http.MethodGet, "current_period", "/api/periods/current", &out); err != nil {
		return 0, err
	}
	if out.PeriodID <= 0 {
		return 0, fmt.Errorf("stats current_period: invalid period %d", out.PeriodID)
	}
	return out.PeriodID, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.base.JoinPath(path)
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.StatsRequest(endpoint, 0, time.Since(start))
		return fmt.Errorf("stats %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.StatsRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{
			Endpoint:   endpoint,
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
		c.log.Debug("stats request failed", logx.String("endpoint", endpoint), logx.Int("status", se.Code), logx.Duration("retry_after", se.RetryAfter))
		switch {
		case !se.Temporary():
			return engine.NoRetry(se)
		case se.RetryAfter > 0:
			return engine.RetryAfter(se, se.RetryAfter)
		}
		return se
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("stats %s: decode: %w", endpoint, err)
	}
	return nil
}
