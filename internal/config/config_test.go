package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: Europe/London
engine:
  workers: 4
  max_queue_delay: 10m
retry:
  max_attempts: 3
  delays: [30s, 1m]
bootstrap:
  threshold: 100
schedules:
  quick-data-update: every 2 hours
  weekend-intensive-update: "off"
stats:
  base_url: http://127.0.0.1:8080
  token: hunter2
storage:
  driver: sqlite
  path: ./statpulse.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "statpulse.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "Europe/London", cfg.Scheduler.Timezone)
	require.NotNil(t, cfg.Engine)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Nil(t, cfg.Engine.Enabled)
	require.NotNil(t, cfg.Retry)
	assert.Equal(t, []string{"30s", "1m"}, cfg.Retry.Delays)
	assert.Equal(t, "every 2 hours", cfg.Schedules["quick-data-update"])
	assert.Equal(t, "off", cfg.Schedules["weekend-intensive-update"])
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestDecodeRejects(t *testing.T) {
	tests := map[string]struct {
		path string
		body string
	}{
		"unknown field":   {"c.json", `{"scheduler":{"enabled":true,"workers":3}}`},
		"trailing data":   {"c.json", `{"scheduler":{"enabled":true}} {}`},
		"broken yaml":     {"c.yml", "scheduler: [\n"},
		"unknown in yaml": {"c.yaml", "telegram:\n  token: x\n"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tt.path, []byte(tt.body))
			require.Error(t, err)
		})
	}
}

func TestParseDurationHelpers(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	_, err = ParseDurationField("engine.default_timeout", "-1s")
	require.ErrorContains(t, err, "engine.default_timeout")

	ds, err := ParseDurationList("retry.delays", []string{"30s", "1m"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute}, ds)

	_, err = ParseDurationList("retry.delays", []string{"30s", "0s"})
	require.ErrorContains(t, err, "retry.delays[1]")
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{
		Scheduler: SchedulerConfig{Enabled: true},
		Stats:     StatsConfig{BaseURL: "http://a", Token: "one"},
		Schedules: map[string]string{"quick-data-update": "0 */2 * * *"},
	}
	next := &Config{
		Scheduler: SchedulerConfig{Enabled: true, Timezone: "UTC"},
		Stats:     StatsConfig{BaseURL: "http://a", Token: "two"},
		Schedules: map[string]string{"quick-data-update": "0 */3 * * *", "injury-updates": "off"},
	}
	changed, attrs := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"scheduler", "schedules"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Empty(t, RequiresRestart(changed))

	changed, _ = SummarizeConfigChange(old, &Config{Scheduler: old.Scheduler, Schedules: old.Schedules})
	assert.Equal(t, []string{"stats"}, changed)
	assert.Equal(t, []string{"stats"}, RequiresRestart(changed))

	changed, _ = SummarizeConfigChange(nil, nil)
	assert.Empty(t, changed)
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "statpulse.json", `{"scheduler":{"enabled":true}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	require.False(t, published)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.Timezone == "Mars/Olympus" {
			return errors.New("bad timezone")
		}
		return nil
	})
	writeFile(t, dir, "statpulse.json", `{"scheduler":{"enabled":true,"timezone":"Mars/Olympus"}}`)
	_, err = m.Reload(context.Background())
	require.ErrorContains(t, err, "bad timezone")
	require.Empty(t, m.Get().Scheduler.Timezone)

	writeFile(t, dir, "statpulse.json", `{"scheduler":{"enabled":true,"timezone":"UTC"}}`)
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)
	got := <-sub
	require.Equal(t, "UTC", got.Scheduler.Timezone)
}

func TestWatchPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "statpulse.json", `{"bootstrap":{"threshold":100}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		writeFile(t, dir, "statpulse.json", `{"bootstrap":{"threshold":250}}`)
		select {
		case cfg := <-sub:
			return cfg.Bootstrap.Threshold == 250
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}
