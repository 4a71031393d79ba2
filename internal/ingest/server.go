// Package ingest accepts metric payloads and log records over HTTP and
// websocket and publishes them onto the transport channel.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/codec"
	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/internal/transport"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

const contentTypeCBOR = "application/cbor"

// FlushFunc drains the pipeline and reports what it flushed
type FlushFunc func(ctx context.Context) (any, error)

// Config configures the ingest server
type Config struct {
	Addr         string
	MaxBodyBytes int64
	Flush        FlushFunc
}

// Server serves the ingest endpoints
type Server struct {
	server   *http.Server
	ch       *transport.Channel[models.Envelope]
	flush    FlushFunc
	maxBody  int64
	upgrader websocket.Upgrader
}

// NewServer creates the ingest server
func NewServer(cfg Config, ch *transport.Channel[models.Envelope]) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}

	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:        cfg.Addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
		ch:      ch,
		flush:   cfg.Flush,
		maxBody: cfg.MaxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux.HandleFunc("POST /v1/metrics", s.handleMetrics)
	mux.HandleFunc("POST /v1/logs", s.handleLogs)
	mux.HandleFunc("POST /v1/flush", s.handleFlush)
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	logger.Info("ingest server starting",
		zap.String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping ingest server...")
	return s.server.Shutdown(ctx)
}

type acceptedResponse struct {
	Accepted int `json:"accepted"`
}

type errorResponse struct {
	Error string `json:"error"`
	Index *int   `json:"index,omitempty"`
}

// handleMetrics accepts a JSON (or CBOR) array of metric payloads.
// One invalid payload rejects the whole request.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var payloads []models.MetricPayload
	if err := s.decodeBody(w, r, &payloads); err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}

	for i, p := range payloads {
		if err := p.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err, &i)
			return
		}
	}

	for _, p := range payloads {
		s.ch.Publish(r.Context(), models.MetricEnvelope(p))
	}
	s.accepted(w, "metric", len(payloads))
}

// handleLogs accepts a JSON (or CBOR) array of log records
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var records []models.LogPayload
	if err := s.decodeBody(w, r, &records); err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}

	for i, rec := range records {
		if rec == nil {
			writeError(w, http.StatusBadRequest, errors.New("log record is null"), &i)
			return
		}
	}

	for _, rec := range records {
		s.ch.Publish(r.Context(), models.LogEnvelope(rec))
	}
	s.accepted(w, "log", len(records))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if s.flush == nil {
		writeError(w, http.StatusNotImplemented, errors.New("flush is not configured"), nil)
		return
	}

	res, err := s.flush(r.Context())
	if err != nil {
		logger.Warn("forced flush incomplete", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStream reads one envelope per frame: text frames are JSON, binary
// frames are CBOR. Bad frames are logged and skipped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxBody)

	remote := r.RemoteAddr
	logger.Info("ingest stream opened", zap.String("remote", remote))

	var accepted, skipped int
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("ingest stream read error", zap.String("remote", remote), zap.Error(err))
			}
			break
		}

		format := codec.JSON
		switch msgType {
		case websocket.TextMessage:
		case websocket.BinaryMessage:
			format = codec.CBOR
		default:
			continue
		}

		env, err := codec.DecodeEnvelope(format, data)
		if err != nil {
			skipped++
			logger.Warn("invalid stream frame skipped",
				zap.String("remote", remote),
				zap.String("format", format.String()),
				zap.Error(err),
			)
			telemetry.IncrCounter([]string{"ingest", "rejected"}, 1,
				telemetry.Label{Name: "source", Value: "stream"})
			continue
		}

		s.ch.Publish(r.Context(), env)
		accepted++
		telemetry.IncrCounter([]string{"ingest", "accepted"}, 1,
			telemetry.Label{Name: "kind", Value: string(env.Kind)})
	}

	logger.Info("ingest stream closed",
		zap.String("remote", remote),
		zap.Int("accepted", accepted),
		zap.Int("skipped", skipped),
	)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), contentTypeCBOR) {
		if err := codec.UnmarshalCBOR(body, v); err != nil {
			return fmt.Errorf("decode cbor body: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode json body: %w", err)
	}
	return nil
}

func (s *Server) accepted(w http.ResponseWriter, kind string, n int) {
	if n > 0 {
		telemetry.IncrCounter([]string{"ingest", "accepted"}, float32(n),
			telemetry.Label{Name: "kind", Value: kind})
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: n})
}

func writeError(w http.ResponseWriter, status int, err error, index *int) {
	if status == http.StatusBadRequest {
		telemetry.IncrCounter([]string{"ingest", "rejected"}, 1,
			telemetry.Label{Name: "source", Value: "http"})
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Index: index})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
