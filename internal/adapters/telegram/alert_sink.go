// Package telegram sends log alerts to a Telegram chat.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

const (
	maxMessageLen   = 4096
	maxRecords      = 10
	defaultMinLevel = "error"
	defaultTimeout  = 10 * time.Second
)

var levelRank = map[string]int{
	"trace":    0,
	"debug":    1,
	"info":     2,
	"log":      2,
	"warn":     3,
	"warning":  3,
	"error":    4,
	"fatal":    5,
	"critical": 5,
}

func rank(level string) int {
	if r, ok := levelRank[level]; ok {
		return r
	}
	return levelRank["info"]
}

// Sender is the subset of *tgbotapi.BotAPI the sink uses
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// AlertSink posts one message per batch holding records at or above minLevel
type AlertSink struct {
	name      string
	chatID    int64
	minLevel  string
	timeout   time.Duration
	api       Sender
	templates *TemplateManager
}

// NewAlertSink creates a sink. The chat_id option is required, min_level
// defaults to error.
func NewAlertSink(cfg config.SinkConfig, api Sender) (*AlertSink, error) {
	chatID, err := cfg.OptionInt("chat_id", 0)
	if err != nil {
		return nil, err
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram sink %s: chat_id option is required", cfg.Name)
	}

	minLevel := cfg.Option("min_level", defaultMinLevel)
	if _, ok := levelRank[minLevel]; !ok {
		return nil, fmt.Errorf("telegram sink %s: unknown min_level %q", cfg.Name, minLevel)
	}

	templates, err := NewTemplateManager()
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &AlertSink{
		name:      cfg.Name,
		chatID:    chatID,
		minLevel:  minLevel,
		timeout:   timeout,
		api:       api,
		templates: templates,
	}, nil
}

// NewBotAPI authenticates with the bot token from cfg.APIKey
func NewBotAPI(cfg config.SinkConfig) (*tgbotapi.BotAPI, error) {
	return newBotAPI(cfg, tgbotapi.APIEndpoint)
}

func newBotAPI(cfg config.SinkConfig, endpoint string) (*tgbotapi.BotAPI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.APIKey, endpoint, newHTTPClient(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot.Debug = false

	logger.Info("telegram alert bot initialized",
		zap.String("sink", cfg.Name),
		zap.String("bot_username", bot.Self.UserName),
	)

	return bot, nil
}

// newHTTPClient bounds every bot API call by the sink timeout
func newHTTPClient(cfg config.SinkConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return client
}

// Name implements fanout.Sink
func (s *AlertSink) Name() string {
	return s.name
}

// Timeout implements fanout.TimeoutSink
func (s *AlertSink) Timeout() time.Duration {
	return s.timeout
}

type alertRecord struct {
	Time    string
	Level   string
	Message string
	Fields  []string
}

type alertData struct {
	Emoji   string
	Count   int
	Level   string
	Sink    string
	Records []alertRecord
	Omitted int
}

// Send implements fanout.Sink. Batches with nothing at minLevel send nothing.
func (s *AlertSink) Send(ctx context.Context, items []models.LogPayload) error {
	threshold := rank(s.minLevel)

	var matched []models.LogPayload
	for _, l := range items {
		if rank(l.Level()) >= threshold {
			matched = append(matched, l)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	text, err := s.render(matched)
	if err != nil {
		return err
	}

	// the bot API has no context support
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := s.api.Send(msg); err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", s.chatID),
			zap.Error(err),
		)
		return err
	}

	logger.Debug("telegram alert sent",
		zap.String("sink", s.name),
		zap.Int("records", len(matched)),
	)
	return nil
}

func (s *AlertSink) render(records []models.LogPayload) (string, error) {
	data := alertData{
		Emoji: emoji(s.minLevel),
		Count: len(records),
		Level: s.minLevel + "+",
		Sink:  s.name,
	}

	shown := records
	if len(shown) > maxRecords {
		data.Omitted = len(shown) - maxRecords
		shown = shown[:maxRecords]
	}
	for _, l := range shown {
		rec := alertRecord{Level: l.Level(), Message: l.Message()}
		if ts, ok := l.Time(); ok {
			rec.Time = ts.UTC().Format("15:04:05")
		} else {
			rec.Time = "--:--:--"
		}
		rec.Fields = fields(l.Attributes())
		data.Records = append(data.Records, rec)
	}

	text, err := s.templates.ExecuteTemplate("log_alert.tmpl", data)
	if err != nil {
		return "", err
	}
	if len(text) > maxMessageLen {
		cut := maxMessageLen - 3
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text, nil
}

func fields(attrs map[string]any) []string {
	out := make([]string, 0, len(attrs))
	for k, v := range attrs {
		var s string
		switch val := v.(type) {
		case string:
			s = strconv.Quote(val)
		default:
			s = fmt.Sprint(val)
		}
		out = append(out, k+"="+s)
	}
	sort.Strings(out)
	return out
}

func emoji(level string) string {
	switch rank(level) {
	case 5:
		return "🔥"
	case 4:
		return "🚨"
	case 3:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
