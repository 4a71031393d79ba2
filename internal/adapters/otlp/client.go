// Package otlp ships metrics and logs to an OTLP/HTTP collector as protobuf.
package otlp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"google.golang.org/protobuf/proto"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
)

const (
	defaultServiceName = "telemetry-bridge"
	defaultTimeout     = 10 * time.Second
	maxErrorBody       = 512

	scopeName = "github.com/selivandex/telemetry-bridge"
)

// Sink options
const (
	optionJitter      = "timestamp_jitter"
	optionInstanceID  = "instance_id"
	optionServiceName = "service_name"
	optionTemporality = "temporality"
)

// instanceID identifies this process in every resource that asks for it
var instanceID = uuid.NewString()

// client holds what the metric and log sinks share
type client struct {
	name     string
	endpoint string
	headers  map[string]string
	timeout  time.Duration
	jitter   bool
	resource *resourcepb.Resource
	http     *http.Client
	now      func() time.Time
}

func newClient(cfg config.SinkConfig, path string) (*client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp sink %s: endpoint is required", cfg.Name)
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if !strings.HasSuffix(endpoint, path) {
		endpoint += path
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	attrs := []*commonpb.KeyValue{
		stringKV("service.name", cfg.Option(optionServiceName, defaultServiceName)),
	}
	if cfg.OptionBool(optionInstanceID) {
		attrs = append(attrs, stringKV("service.instance.id", instanceID))
	}

	return &client{
		name:     cfg.Name,
		endpoint: endpoint,
		headers:  cfg.HeaderMap(),
		timeout:  timeout,
		jitter:   cfg.OptionBool(optionJitter),
		resource: &resourcepb.Resource{Attributes: attrs},
		http:     cleanhttp.DefaultPooledClient(),
		now:      time.Now,
	}, nil
}

// timestamp converts t to unix nanos, adding 0-999ns of jitter when enabled
// so backends that dedupe on identical timestamps keep every point.
func (c *client) timestamp(t time.Time) uint64 {
	ns := uint64(t.UnixNano())
	if c.jitter {
		ns += uint64(rand.IntN(1000))
	}
	return ns
}

// post sends msg and decodes the response into resp when one is returned
func (c *client) post(ctx context.Context, msg, resp proto.Message) error {
	body, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("otlp request failed: %w", err)
	}
	defer res.Body.Close()

	var respData bytes.Buffer
	if _, err := io.Copy(&respData, io.LimitReader(res.Body, 1<<20)); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := respData.Bytes()
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return fmt.Errorf("otlp endpoint returned %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	if respData.Len() != 0 && strings.HasPrefix(res.Header.Get("Content-Type"), "application/x-protobuf") {
		if err := proto.Unmarshal(respData.Bytes(), resp); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func scope() *commonpb.InstrumentationScope {
	return &commonpb.InstrumentationScope{Name: scopeName}
}
