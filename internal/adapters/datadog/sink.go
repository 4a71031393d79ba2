// Package datadog ships metric payloads to the Datadog v2 series API.
package datadog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

const (
	defaultSite    = "datadoghq.com"
	seriesPath     = "/api/v2/series"
	maxErrorBody   = 512
	defaultTimeout = 10 * time.Second
)

// Datadog metric intake types
const (
	typeCount = 1
	typeGauge = 3
)

type point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type series struct {
	Metric string   `json:"metric"`
	Type   int      `json:"type"`
	Points []point  `json:"points"`
	Tags   []string `json:"tags,omitempty"`
}

type seriesRequest struct {
	Series []series `json:"series"`
}

// Sink posts gzip-compressed series batches
type Sink struct {
	name     string
	endpoint string
	apiKey   string
	headers  map[string]string
	timeout  time.Duration
	client   *http.Client
	now      func() time.Time
}

// New creates a Datadog sink. Endpoint overrides the site option.
func New(cfg config.SinkConfig) (*Sink, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("datadog sink %s: api_key is required", cfg.Name)
	}

	base := cfg.Endpoint
	if base == "" {
		base = "https://api." + cfg.Option("site", defaultSite)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Sink{
		name:     cfg.Name,
		endpoint: strings.TrimRight(base, "/") + seriesPath,
		apiKey:   cfg.APIKey,
		headers:  cfg.HeaderMap(),
		timeout:  timeout,
		client:   cleanhttp.DefaultPooledClient(),
		now:      time.Now,
	}, nil
}

// Name implements fanout.Sink
func (s *Sink) Name() string {
	return s.name
}

// Timeout implements fanout.TimeoutSink
func (s *Sink) Timeout() time.Duration {
	return s.timeout
}

// Send implements fanout.Sink
func (s *Sink) Send(ctx context.Context, items []models.MetricPayload) error {
	if len(items) == 0 {
		return nil
	}

	body, err := s.encode(items)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("DD-API-KEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("datadog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("datadog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	logger.Debug("datadog series sent",
		zap.String("sink", s.name),
		zap.Int("series", len(items)),
	)
	return nil
}

func (s *Sink) encode(items []models.MetricPayload) ([]byte, error) {
	now := s.now()
	req := seriesRequest{Series: make([]series, 0, len(items))}
	for _, p := range items {
		req.Series = append(req.Series, series{
			Metric: p.Name,
			Type:   intakeType(p.Type),
			Points: []point{{Timestamp: p.TimeOr(now).Unix(), Value: p.Value}},
			Tags:   Tags(p.Tags),
		})
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to encode series: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress series: %w", err)
	}
	return buf.Bytes(), nil
}

func intakeType(t models.PayloadType) int {
	if t == models.TypeCount {
		return typeCount
	}
	return typeGauge
}

// Tags renders a tag map as sorted key:value strings
func Tags(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
