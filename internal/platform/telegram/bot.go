package telegram

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/fx"

	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
)

// API is the subset of the Bot API the service calls. *bot.Bot implements it.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	GetChatMember(ctx context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error)
	BanChatMember(ctx context.Context, params *bot.BanChatMemberParams) (bool, error)
	UnbanChatMember(ctx context.Context, params *bot.UnbanChatMemberParams) (bool, error)
	CreateChatInviteLink(ctx context.Context, params *bot.CreateChatInviteLinkParams) (*models.ChatInviteLink, error)
}

// NewBot builds a Bot API client. Updates are consumed elsewhere, so the bot
// is never started and getMe is skipped at construction.
func NewBot(cfg *cfgpkg.Config) (*bot.Bot, error) {
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(time.Minute, &http.Client{Timeout: 30 * time.Second}),
	}
	if cfg.Telegram.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.Telegram.ServerURL))
	}
	b, err := bot.New(cfg.Telegram.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return b, nil
}

func newAPI(b *bot.Bot) API { return b }

var Module = fx.Options(
	fx.Provide(NewBot),
	fx.Provide(newAPI),
	fx.Provide(NewNotifier),
	fx.Provide(NewBotAgent),
)
