package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"emby-panel/internal/access"
	"emby-panel/internal/model"
	"emby-panel/internal/reconcile"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

// Summarizer produces the account counts behind /status.
type Summarizer interface {
	Summary(ctx context.Context, actor *access.Actor) (*reconcile.Summary, error)
}

// botActor is the identity /status reads the panel as.
var botActor = &access.Actor{ID: "telegram", Username: "telegram", Name: "Telegram", Role: model.RoleAdmin}

// BotHandler answers commands in the configured chat and posts sweep outcomes there.
type BotHandler struct {
	Bot     *telebot.Bot
	ChatID  int64
	summary Summarizer
	log     *zap.Logger
}

// Settings configures NewBotHandler. Offline skips the token check against
// the Telegram API.
type Settings struct {
	Token   string
	ChatID  int64
	Offline bool
}

func NewBotHandler(settings Settings, summary Summarizer, log *zap.Logger) (*BotHandler, error) {
	pref := telebot.Settings{
		Token:   settings.Token,
		Poller:  &telebot.LongPoller{Timeout: 10 * time.Second},
		Offline: settings.Offline,
		OnError: func(err error, c telebot.Context) {
			log.Warn("telegram handler failed", zap.Error(err))
		},
	}

	b, err := telebot.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	handler := &BotHandler{
		Bot:     b,
		ChatID:  settings.ChatID,
		summary: summary,
		log:     log.Named("bot"),
	}
	handler.setupHandlers()
	return handler, nil
}

func (h *BotHandler) setupHandlers() {
	h.Bot.Handle("/start", h.handleStart)
	h.Bot.Handle("/status", h.handleStatus)
}

// allowed restricts commands to the configured chat. Nothing is allowed
// until a chat is linked.
func (h *BotHandler) allowed(c telebot.Context) bool {
	return h.ChatID != 0 && c.Chat() != nil && c.Chat().ID == h.ChatID
}

func (h *BotHandler) handleStart(c telebot.Context) error {
	name := "there"
	if c.Sender() != nil && c.Sender().FirstName != "" {
		name = c.Sender().FirstName
	}
	var chatID int64
	if c.Chat() != nil {
		chatID = c.Chat().ID
	}
	return c.Send(fmt.Sprintf("Hi %s! This chat id is %d. Set it as the panel's Telegram chat to receive sweep reports here.", name, chatID))
}

func (h *BotHandler) handleStatus(c telebot.Context) error {
	if !h.allowed(c) {
		return c.Send("This chat is not linked to the panel.")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := h.summary.Summary(ctx, botActor)
	if err != nil {
		h.log.Warn("status summary failed", zap.Error(err))
		return c.Send("Could not read the servers right now, try again later.")
	}
	return c.Send(FormatSummary(summary))
}

// SweepFinished posts executed sweeps that changed or failed something.
func (h *BotHandler) SweepFinished(_ context.Context, result *reconcile.SweepResult) {
	if h.ChatID == 0 || (result.Disabled == 0 && len(result.Failed) == 0) {
		return
	}
	if _, err := h.Bot.Send(telebot.ChatID(h.ChatID), FormatSweep(result)); err != nil {
		h.log.Warn("failed to send sweep report", zap.Int64("chat_id", h.ChatID), zap.Error(err))
	}
}

func (h *BotHandler) Start() {
	h.log.Info("telegram bot started", zap.Int64("chat_id", h.ChatID))
	h.Bot.Start()
}

func (h *BotHandler) Stop() {
	h.Bot.Stop()
}

func FormatSummary(s *reconcile.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Accounts: %d (%d online, %d disabled)\n", s.Total, s.Online, s.Disabled)
	fmt.Fprintf(&b, "Active: %d\nExpiring soon: %d\nExpired: %d\nNo subscription: %d\n",
		s.Active, s.ExpiringSoon, s.Expired, s.NoSubscription)
	fmt.Fprintf(&b, "Servers: %d", s.Servers)
	if s.Unavailable > 0 {
		fmt.Fprintf(&b, " (%d unreachable)", s.Unavailable)
	}
	return b.String()
}

// maxListed caps how many accounts a sweep report names.
const maxListed = 20

func FormatSweep(r *reconcile.SweepResult) string {
	var b strings.Builder
	title := "Expired accounts"
	if r.Kind == model.SweepKindInactive {
		title = "Inactive accounts"
	}
	fmt.Fprintf(&b, "%s sweep (%s): %d disabled", title, r.Trigger, r.Disabled)
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, ", %d failed", len(r.Failed))
	}

	listed := 0
	for _, c := range r.Candidates {
		if !c.Disabled {
			continue
		}
		if listed == maxListed {
			fmt.Fprintf(&b, "\n…and %d more", r.Disabled-listed)
			break
		}
		fmt.Fprintf(&b, "\n- %s (%s)", c.Name, c.ServerName)
		listed++
	}
	for _, f := range r.Failed {
		fmt.Fprintf(&b, "\n! %s: %s", f.Name, f.Error)
	}
	return b.String()
}
