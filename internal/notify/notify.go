// Package notify mirrors backup lifecycle events to a Telegram chat for
// operators who are not watching a terminal, best-effort: a send failure is
// logged and never changes job state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/backutil/backutil/internal/config"
	"github.com/rs/zerolog"
)

// HTTPClient sends the Telegram API request. Swappable in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sink pushes lifecycle events to Telegram.
type Sink struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a Sink that calls the real Telegram Bot API.
func New(logger zerolog.Logger) *Sink {
	return &Sink{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		baseURL:    "https://api.telegram.org",
	}
}

// NewWithClient creates a Sink over a custom HTTP client and base URL, for tests.
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Sink {
	return &Sink{httpClient: httpClient, logger: logger, baseURL: baseURL}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// BackupComplete notifies that a backup finished successfully.
func (s *Sink) BackupComplete(ctx context.Context, cfg config.NotifyConfig, set string, ev backutil.BackupCompleteEvent) {
	text := fmt.Sprintf(
		"✅ <b>Backup Successful</b>\n\n\U0001F4C1 <b>Set:</b> %s\n• Snapshot: <code>%s</code>\n• Data added: %s\n• Duration: %s",
		escapeHTML(set), escapeHTML(ev.SnapshotID), formatBytes(ev.AddedBytes), time.Duration(ev.DurationS*float64(time.Second)).Round(time.Second),
	)
	s.send(ctx, cfg, text)
}

// BackupFailed notifies that a backup failed.
func (s *Sink) BackupFailed(ctx context.Context, cfg config.NotifyConfig, set string, ev backutil.BackupFailedEvent) {
	text := fmt.Sprintf(
		"❌ <b>Backup Failed</b>\n\n\U0001F4C1 <b>Set:</b> %s\n• Error: <code>%s</code>",
		escapeHTML(set), escapeHTML(ev.Error),
	)
	s.send(ctx, cfg, text)
}

// send posts text to the configured chat. Failures are logged only; callers
// never treat a failed notification as a backup failure.
func (s *Sink) send(ctx context.Context, cfg config.NotifyConfig, text string) {
	body, err := json.Marshal(sendMessageRequest{ChatID: cfg.TelegramChatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		s.logger.Error().Err(err).Msg("marshaling telegram notification")
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.TelegramBotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Msg("building telegram notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Msg("sending telegram notification")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		s.logger.Error().Int("status", resp.StatusCode).Msg("telegram API returned non-200")
		return
	}
	s.logger.Debug().Msg("telegram notification sent")
}

func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for x := n / unit; x >= unit; x /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
