package telegram

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/pkg/logctx"
)

type Reminder struct {
	ChatID     int64
	TariffID   string
	TariffName string
	ExpiresAt  time.Time
	DaysLeft   int
}

type ExpiredNotice struct {
	ChatID     int64
	TariffID   string
	TariffName string
}

type AccessGranted struct {
	ChatID     int64
	TariffName string
	// ExpiresAt is nil for forever access.
	ExpiresAt *time.Time
	Channels  []string
}

// Notifier sends user- and operator-facing messages.
type Notifier interface {
	SendReminder(ctx context.Context, r Reminder) error
	SendExpired(ctx context.Context, n ExpiredNotice) error
	SendAccessGranted(ctx context.Context, n AccessGranted) error
	SendText(ctx context.Context, chatID int64, text string) error
}

type BotNotifier struct {
	api API
	log *zap.SugaredLogger
}

func NewNotifier(api API, l *zap.SugaredLogger) Notifier {
	return &BotNotifier{api: api, log: l}
}

func (n *BotNotifier) SendReminder(ctx context.Context, r Reminder) error {
	text := fmt.Sprintf("Your subscription <b>%s</b> expires in %s (%s UTC).\nRenew now to keep access.",
		html.EscapeString(r.TariffName), daysText(r.DaysLeft), r.ExpiresAt.UTC().Format("2006-01-02 15:04"))
	return n.send(ctx, r.ChatID, text, renewKeyboard(r.TariffID), "reminder")
}

func (n *BotNotifier) SendExpired(ctx context.Context, e ExpiredNotice) error {
	text := fmt.Sprintf("Your subscription <b>%s</b> has expired and channel access was removed.\nYou can renew at any time.",
		html.EscapeString(e.TariffName))
	return n.send(ctx, e.ChatID, text, renewKeyboard(e.TariffID), "expired")
}

func (n *BotNotifier) SendAccessGranted(ctx context.Context, a AccessGranted) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment received. Subscription <b>%s</b> is active", html.EscapeString(a.TariffName))
	if a.ExpiresAt != nil {
		fmt.Fprintf(&b, " until %s UTC", a.ExpiresAt.UTC().Format("2006-01-02 15:04"))
	} else {
		b.WriteString(" forever")
	}
	b.WriteString(".")
	if len(a.Channels) > 0 {
		b.WriteString("\nInvites to these channels are on the way:")
		for _, ch := range a.Channels {
			b.WriteString("\n• " + html.EscapeString(ch))
		}
	}
	return n.send(ctx, a.ChatID, b.String(), nil, "access_granted")
}

func (n *BotNotifier) SendText(ctx context.Context, chatID int64, text string) error {
	return n.send(ctx, chatID, html.EscapeString(text), nil, "text")
}

func (n *BotNotifier) send(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup, kind string) error {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := n.api.SendMessage(ctx, params); err != nil {
		logctx.FromCtx(ctx, n.log).Warnw("telegram_send_failed", "chat_id", chatID, "kind", kind, "err", err)
		return fmt.Errorf("failed to send %s message: %w", kind, err)
	}
	return nil
}

// RenewCallbackData is the callback payload of the renew button.
func RenewCallbackData(tariffID string) string {
	return "buy:" + tariffID
}

func renewKeyboard(tariffID string) models.ReplyMarkup {
	if tariffID == "" {
		return nil
	}
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: "Renew", CallbackData: RenewCallbackData(tariffID)}},
		},
	}
}

func daysText(days int) string {
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}
