// Package notify delivers operator notifications over Telegram. Delivery is
// strictly best-effort: a failed or suppressed send never fails the calling
// operation.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/metrics"
)

// sender abstracts the Telegram API for tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends messages to the configured chat. All sends pass through the
// kill switch: messages go out only when the process runs in the production
// environment AND the configured chat id equals the production chat id AND a
// bot token is present. Any other combination silently suppresses delivery.
type Notifier struct {
	bot     sender
	chatID  int64
	enabled bool
	logger  zerolog.Logger

	mu            sync.Mutex
	lastAlertSent map[string]time.Time
	alertInterval time.Duration
}

// New creates a Notifier. The Telegram client is only constructed when the
// kill switch enables delivery, so non-production processes never talk to
// the Telegram API.
func New(appEnv string, cfg config.TelegramConfig) (*Notifier, error) {
	n := &Notifier{
		chatID:        cfg.ChatID,
		logger:        config.NewLogger("notify"),
		lastAlertSent: make(map[string]time.Time),
		alertInterval: 24 * time.Hour,
	}

	n.enabled = appEnv == cfg.ProductionEnv &&
		cfg.ChatID == cfg.ProductionChatID &&
		cfg.ChatID != 0 &&
		cfg.BotToken != ""

	if !n.enabled {
		n.logger.Info().
			Str("environment", appEnv).
			Bool("chat_id_matches", cfg.ChatID == cfg.ProductionChatID).
			Bool("token_present", cfg.BotToken != "").
			Msg("Notifier disabled by kill switch")
		return n, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	n.bot = bot

	n.logger.Info().
		Str("chat_id_suffix", chatIDSuffix(cfg.ChatID)).
		Msg("Notifier enabled")

	return n, nil
}

// newWithSender is the test constructor.
func newWithSender(s sender, chatID int64, enabled bool) *Notifier {
	return &Notifier{
		bot:           s,
		chatID:        chatID,
		enabled:       enabled,
		logger:        config.NewLogger("notify"),
		lastAlertSent: make(map[string]time.Time),
		alertInterval: 24 * time.Hour,
	}
}

// Enabled reports whether the kill switch allows delivery.
func (n *Notifier) Enabled() bool {
	return n.enabled
}

// Send delivers a message, returning whether it was actually sent. Errors are
// logged, never returned; notification failure must not affect trading.
func (n *Notifier) Send(ctx context.Context, text, origin string) bool {
	if !n.enabled {
		metrics.RecordNotifierSend("disabled")
		return false
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordNotifierSend("failed")
		n.logger.Warn().Err(err).Str("origin", origin).Msg("Notification dropped, context done")
		return false
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := n.bot.Send(msg); err != nil {
		metrics.RecordNotifierSend("failed")
		n.logger.Error().Err(err).Str("origin", origin).Msg("TG_FAILED notification not delivered")
		return false
	}

	metrics.RecordNotifierSend("sent")
	n.logger.Debug().Str("origin", origin).Msg("TG_SENT")
	return true
}

// SendOperatorAlert delivers a throttled operator alert. At most one alert
// per key goes out every 24 hours, so a persistent failure like revoked API
// credentials does not flood the chat.
func (n *Notifier) SendOperatorAlert(ctx context.Context, key, text string) bool {
	n.mu.Lock()
	last, seen := n.lastAlertSent[key]
	if seen && time.Since(last) < n.alertInterval {
		n.mu.Unlock()
		n.logger.Debug().Str("key", key).Msg("Operator alert throttled")
		return false
	}
	n.lastAlertSent[key] = time.Now()
	n.mu.Unlock()

	return n.Send(ctx, text, "operator_alert:"+key)
}

// chatIDSuffix returns the last four digits of the chat id for logging. The
// full id never appears in logs.
func chatIDSuffix(id int64) string {
	s := fmt.Sprintf("%d", id)
	if len(s) <= 4 {
		return s
	}
	return "..." + s[len(s)-4:]
}
