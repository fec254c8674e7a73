package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/pipeline"
)

const defaultAPIBase = "https://api.telegram.org"

var ErrNotConfigured = errors.New("telegram bot token or chat ID not configured")

// Config holds Telegram bot configuration
type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Location string        `mapstructure:"location"` // time zone used in messages
}

// apiResponse is the envelope of every Bot API answer
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Bot sends alert messages and photos to one chat
type Bot struct {
	token      string
	chatID     string
	apiBase    string
	httpClient *http.Client
	loc        *time.Location
	log        zerolog.Logger
}

func NewBot(cfg Config, log zerolog.Logger) (*Bot, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, ErrNotConfigured
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	loc := time.Local
	if cfg.Location != "" {
		l, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("load location %q: %w", cfg.Location, err)
		}
		loc = l
	}

	return &Bot{
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		loc:        loc,
		log:        log.With().Str("component", "telegram").Logger(),
	}, nil
}

// Notify sends the alert with its evidence photo when one was saved
// locally, as plain text otherwise.
func (b *Bot) Notify(ctx context.Context, a pipeline.Alert) error {
	text := b.FormatAlert(a)

	if a.ImagePath != "" && !strings.Contains(a.ImagePath, "://") {
		photo, err := os.ReadFile(a.ImagePath)
		if err == nil {
			return b.SendPhoto(ctx, photo, text)
		}
		b.log.Warn().Err(err).Str("path", a.ImagePath).Msg("evidence unreadable, sending text only")
	}
	return b.SendMessage(ctx, text)
}

// FormatAlert renders the HTML alert text
func (b *Bot) FormatAlert(a pipeline.Alert) string {
	ts := a.Timestamp.In(b.loc)
	zone, _ := ts.Zone()

	var sb strings.Builder
	sb.WriteString("🚨 <b>Unknown person detected</b>\n\n")
	fmt.Fprintf(&sb, "📹 Camera: %s\n", html.EscapeString(a.CameraID))
	fmt.Fprintf(&sb, "🆔 Track: %d\n", a.TrackID)
	fmt.Fprintf(&sb, "🕐 Time: %s %s", ts.Format("2 Jan 2006, 15:04:05"), zone)
	if a.ImagePath != "" && strings.Contains(a.ImagePath, "://") {
		fmt.Fprintf(&sb, "\n🖼 Evidence: %s", html.EscapeString(a.ImagePath))
	}
	return sb.String()
}

// SendMessage sends an HTML text message
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    b.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	_, err := b.call(ctx, "sendMessage", payload)
	return err
}

// SendPhoto uploads a JPEG with an HTML caption
func (b *Bot) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("chat_id", b.chatID); err != nil {
		return fmt.Errorf("write chat_id field: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("write caption field: %w", err)
		}
		if err := w.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("write parse_mode field: %w", err)
		}
	}
	part, err := w.CreateFormFile("photo", "evidence.jpg")
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("write photo data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	_, err = b.do(req)
	return err
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.token, method)
}

// call posts a JSON payload to a Bot API method
func (b *Bot) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL(method), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

func (b *Bot) do(req *http.Request) (json.RawMessage, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		// the URL embeds the token, keep it out of errors
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !r.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", r.ErrorCode, r.Description)
	}
	return r.Result, nil
}

var _ pipeline.Notifier = (*Bot)(nil)
