package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selivandex/telemetry-bridge/internal/codec"
	"github.com/selivandex/telemetry-bridge/internal/transport"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

type sink struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (s *sink) handle(_ context.Context, env models.Envelope) error {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func newTestServer(t *testing.T, flush FlushFunc) (*httptest.Server, *sink) {
	t.Helper()
	ch := transport.New[models.Envelope]("telemetry")
	got := &sink{}
	ch.Subscribe(got.handle)

	srv := httptest.NewServer(NewServer(Config{Flush: flush}, ch).Handler())
	t.Cleanup(srv.Close)
	return srv, got
}

func post(t *testing.T, url, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Metrics(t *testing.T) {
	srv, got := newTestServer(t, nil)

	t.Run("accepted", func(t *testing.T) {
		resp := post(t, srv.URL+"/v1/metrics", "application/json",
			`[{"type":"COUNT","name":"hits","value":1},{"type":"GAUGE","name":"temp","value":21.5,"tags":{"room":"a"}}]`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var body acceptedResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Accepted != 2 || got.len() != 2 {
			t.Errorf("accepted=%d published=%d", body.Accepted, got.len())
		}
	})

	t.Run("invalid payload rejects the request", func(t *testing.T) {
		before := got.len()
		resp := post(t, srv.URL+"/v1/metrics", "application/json",
			`[{"type":"COUNT","name":"ok","value":1},{"type":"COUNT","name":"","value":1}]`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var body errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Index == nil || *body.Index != 1 {
			t.Errorf("index = %v", body.Index)
		}
		if got.len() != before {
			t.Error("rejected request published payloads")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		resp := post(t, srv.URL+"/v1/metrics", "application/json", `[{"type":"SET","name":"x"}]`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := post(t, srv.URL+"/v1/metrics", "application/json", `{"type":`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/metrics")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestServer_LogsCBOR(t *testing.T) {
	srv, got := newTestServer(t, nil)

	body, err := codec.MarshalCBOR([]map[string]any{
		{"level": "error", "msg": "disk full"},
		{"level": "info", "msg": "recovered"},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp := post(t, srv.URL+"/v1/logs", contentTypeCBOR, string(body))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got.len() != 2 {
		t.Fatalf("published %d", got.len())
	}
	if got.envs[0].Log.Message() != "disk full" {
		t.Errorf("first record = %v", got.envs[0].Log)
	}

	resp = post(t, srv.URL+"/v1/logs", "application/json", `[null]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("null record status = %d", resp.StatusCode)
	}
}

func TestServer_Flush(t *testing.T) {
	calls := 0
	srv, _ := newTestServer(t, func(context.Context) (any, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("sink down")
		}
		return map[string]int{"metrics": 3}, nil
	})

	resp := post(t, srv.URL+"/v1/flush", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]int
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["metrics"] != 3 {
		t.Errorf("flush body = %v", body)
	}

	resp = post(t, srv.URL+"/v1/flush", "", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failing flush status = %d", resp.StatusCode)
	}
}

func TestServer_FlushNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := post(t, srv.URL+"/v1/flush", "", "")
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestServer_Stream(t *testing.T) {
	srv, got := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	text, _ := codec.EncodeEnvelope(codec.JSON, models.MetricEnvelope(models.MetricPayload{Type: models.TypeGauge, Name: "temp", Value: 1}))
	binary, _ := codec.EncodeEnvelope(codec.CBOR, models.LogEnvelope(models.LogPayload{"msg": "hi"}))

	frames := []struct {
		msgType int
		data    []byte
	}{
		{websocket.TextMessage, text},
		{websocket.TextMessage, []byte(`not json`)},
		{websocket.TextMessage, []byte(`{"kind":"metric","metric":{"type":"GAUGE","name":""}}`)},
		{websocket.BinaryMessage, binary},
	}
	for _, f := range frames {
		if err := conn.WriteMessage(f.msgType, f.data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for got.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// give skipped frames a chance to show up if they were wrongly accepted
	time.Sleep(20 * time.Millisecond)

	if got.len() != 2 {
		t.Fatalf("published %d envelopes, want 2", got.len())
	}
	got.mu.Lock()
	defer got.mu.Unlock()
	if got.envs[0].Kind != models.KindMetric || got.envs[1].Kind != models.KindLog {
		t.Errorf("kinds = %s, %s", got.envs[0].Kind, got.envs[1].Kind)
	}
}
