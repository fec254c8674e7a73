package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/events"
	"vigil/internal/identity"
	"vigil/internal/pipeline"
)

// Controller is the part of the pipeline manager exposed to chat commands
type Controller interface {
	Status() []pipeline.CameraStatus
	Summary(now time.Time) events.Summary
	ReloadIdentityIndex(ctx context.Context) (*identity.Snapshot, error)
	BindTrack(ctx context.Context, cameraID string, trackID int, person string) error
	UnbindTrack(ctx context.Context, cameraID string, trackID int) error
}

// EventLoader reads back the event log
type EventLoader interface {
	Load(ctx context.Context, filter events.Filter) ([]events.Record, error)
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	Chat      *chat  `json:"chat,omitempty"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler answers operator commands sent to the bot. Only the
// configured chat is served.
type CommandHandler struct {
	bot       *Bot
	ctl       Controller
	events    EventLoader
	interval  time.Duration
	startTime time.Time
	lastID    int64
	log       zerolog.Logger
}

func NewCommandHandler(bot *Bot, ctl Controller, loader EventLoader) *CommandHandler {
	return &CommandHandler{
		bot:       bot,
		ctl:       ctl,
		events:    loader,
		interval:  2 * time.Second,
		startTime: time.Now(),
		log:       bot.log.With().Str("component", "telegram_commands").Logger(),
	}
}

// Run polls for updates until ctx is cancelled
func (h *CommandHandler) Run(ctx context.Context) {
	h.log.Info().Msg("command polling started")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("command polling stopped")
			return
		case <-ticker.C:
			if err := h.poll(ctx); err != nil && ctx.Err() == nil {
				h.log.Warn().Err(err).Msg("failed to poll updates")
			}
		}
	}
}

func (h *CommandHandler) poll(ctx context.Context) error {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(h.lastID+1, 10))
	q.Set("timeout", "1")

	raw, err := h.bot.call(ctx, "getUpdates?"+q.Encode(), map[string]any{})
	if err != nil {
		return err
	}

	var updates []update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return fmt.Errorf("parse updates: %w", err)
	}

	for _, u := range updates {
		if u.UpdateID > h.lastID {
			h.lastID = u.UpdateID
		}
		if u.Message == nil || u.Message.Chat == nil {
			continue
		}
		if strconv.FormatInt(u.Message.Chat.ID, 10) != h.bot.chatID {
			h.log.Warn().Int64("chat_id", u.Message.Chat.ID).Msg("ignoring message from unauthorized chat")
			continue
		}
		if reply := h.Handle(ctx, u.Message.Text); reply != "" {
			if err := h.bot.SendMessage(ctx, reply); err != nil {
				h.log.Warn().Err(err).Msg("failed to send reply")
			}
		}
	}
	return nil
}

// Handle executes one command line and returns the HTML reply. Non-command
// text yields an empty reply.
func (h *CommandHandler) Handle(ctx context.Context, text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}

	parts := strings.Fields(text)
	command := strings.ToLower(parts[0])
	args := parts[1:]
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}

	h.log.Debug().Str("command", command).Msg("processing command")

	switch command {
	case "/start", "/help":
		return h.help()
	case "/status":
		return h.status()
	case "/summary":
		return html.EscapeString(h.ctl.Summary(time.Now()).String())
	case "/events":
		return h.recentEvents(ctx, args)
	case "/reload":
		snap, err := h.ctl.ReloadIdentityIndex(ctx)
		if err != nil {
			return "❌ Reload failed: " + html.EscapeString(err.Error())
		}
		return fmt.Sprintf("✅ Identity index v%d loaded with %d persons", snap.Version(), snap.Len())
	case "/bind":
		return h.bind(ctx, args)
	case "/unbind":
		return h.unbind(ctx, args)
	default:
		return fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}
}

func (h *CommandHandler) help() string {
	return "📋 <b>Available Commands</b>\n\n" +
		"/status - Camera pipelines\n" +
		"/summary - Activity in the recent window\n" +
		"/events [limit] - Latest logged events\n" +
		"/reload - Reload enrolled persons\n" +
		"/bind &lt;camera&gt; &lt;track&gt; &lt;name&gt; - Pin a track to a person\n" +
		"/unbind &lt;camera&gt; &lt;track&gt; - Remove a pin\n" +
		"/help - Show this help"
}

func (h *CommandHandler) status() string {
	cams := h.ctl.Status()

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 <b>Status</b>\nUptime: %s\n\n", formatDuration(time.Since(h.startTime)))
	if len(cams) == 0 {
		sb.WriteString("No cameras running")
		return sb.String()
	}
	for _, c := range cams {
		icon := "🟢"
		switch c.State {
		case pipeline.CameraRetrying, pipeline.CameraStarting:
			icon = "🟡"
		case pipeline.CameraDegraded, pipeline.CameraStopped:
			icon = "🔴"
		}
		fmt.Fprintf(&sb, "%s <b>%s</b> %s, %d frames, %d events\n",
			icon, html.EscapeString(c.CameraID), c.State, c.FramesProcessed, c.EventsLogged)
		if c.LastError != "" && c.State != pipeline.CameraRunning {
			fmt.Fprintf(&sb, "   ⚠️ %s\n", html.EscapeString(c.LastError))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (h *CommandHandler) recentEvents(ctx context.Context, args []string) string {
	if h.events == nil {
		return "Event log not available"
	}
	limit := 10
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}

	recs, err := h.events.Load(ctx, events.Filter{Since: time.Now().Add(-24 * time.Hour)})
	if err != nil {
		return "❌ " + html.EscapeString(err.Error())
	}
	if len(recs) == 0 {
		return "No events in the last 24h"
	}
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}

	var sb strings.Builder
	sb.WriteString("📜 <b>Recent events</b>\n")
	for _, r := range recs {
		fmt.Fprintf(&sb, "%s %s #%d %s\n",
			r.Timestamp.In(h.bot.loc).Format("15:04:05"), html.EscapeString(r.CameraID), r.TrackID, html.EscapeString(r.PersonName))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (h *CommandHandler) bind(ctx context.Context, args []string) string {
	if len(args) < 3 {
		return "Usage: /bind &lt;camera&gt; &lt;track&gt; &lt;name&gt;"
	}
	track, err := strconv.Atoi(args[1])
	if err != nil {
		return "Track must be a number"
	}
	person := strings.Join(args[2:], " ")
	if err := h.ctl.BindTrack(ctx, args[0], track, person); err != nil {
		return "❌ " + html.EscapeString(err.Error())
	}
	return fmt.Sprintf("🔗 Track %d on %s bound to %s", track, html.EscapeString(args[0]), html.EscapeString(person))
}

func (h *CommandHandler) unbind(ctx context.Context, args []string) string {
	if len(args) != 2 {
		return "Usage: /unbind &lt;camera&gt; &lt;track&gt;"
	}
	track, err := strconv.Atoi(args[1])
	if err != nil {
		return "Track must be a number"
	}
	if err := h.ctl.UnbindTrack(ctx, args[0], track); err != nil {
		return "❌ " + html.EscapeString(err.Error())
	}
	return fmt.Sprintf("Track %d on %s unbound", track, html.EscapeString(args[0]))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
