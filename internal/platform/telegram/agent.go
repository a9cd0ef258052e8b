package telegram

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/platform/membership"
	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/tool"
)

// kickPause separates ban and unban so Telegram registers the removal.
const kickPause = 500 * time.Millisecond

// BotAgent manages membership through the Bot API. The bot must be an
// administrator of every channel with invite and ban rights.
//
// A bot cannot add users directly, so AddMember sends the user a single-use
// invite link in a private message.
type BotAgent struct {
	api       API
	inviteTTL time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewBotAgent(api API, cfg *cfgpkg.Config, l *zap.SugaredLogger) *BotAgent {
	ttl := cfg.Membership.InviteTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &BotAgent{
		api:       api,
		inviteTTL: ttl,
		log:       l,
		now:       time.Now,
		sleep:     tool.Sleep,
	}
}

func (a *BotAgent) AddMember(ctx context.Context, channelID, userID int64) membership.Outcome {
	member, err := a.api.GetChatMember(ctx, &bot.GetChatMemberParams{ChatID: channelID, UserID: userID})
	if err == nil && member != nil {
		switch member.Type {
		case models.ChatMemberTypeOwner, models.ChatMemberTypeAdministrator, models.ChatMemberTypeMember:
			return membership.AlreadyMember()
		}
	}
	if err != nil {
		// lookup failures for unknown users are expected; only stop on
		// errors that would also break the invite
		if out := classify(err, membership.OpAdd); out.Kind == membership.KindRateLimited || out.Kind == membership.KindPermissionDenied {
			return out
		}
	}

	if _, err := a.api.UnbanChatMember(ctx, &bot.UnbanChatMemberParams{
		ChatID:       channelID,
		UserID:       userID,
		OnlyIfBanned: true,
	}); err != nil {
		return classify(err, membership.OpAdd)
	}

	link, err := a.api.CreateChatInviteLink(ctx, &bot.CreateChatInviteLinkParams{
		ChatID:      channelID,
		Name:        fmt.Sprintf("sub-%d", userID),
		ExpireDate:  int(a.now().Add(a.inviteTTL).Unix()),
		MemberLimit: 1,
	})
	if err != nil {
		return classify(err, membership.OpAdd)
	}

	if _, err := a.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    userID,
		Text:      inviteText(link.InviteLink),
		ParseMode: models.ParseModeHTML,
	}); err != nil {
		return classify(err, membership.OpAdd)
	}

	logctx.FromCtx(ctx, a.log).Infow("telegram_invite_sent", "channel_id", channelID, "user_id", userID)
	return membership.Success()
}

func (a *BotAgent) RemoveMember(ctx context.Context, channelID, userID int64) membership.Outcome {
	log := logctx.FromCtx(ctx, a.log)

	member, err := a.api.GetChatMember(ctx, &bot.GetChatMemberParams{ChatID: channelID, UserID: userID})
	if err == nil && member != nil {
		switch member.Type {
		case models.ChatMemberTypeLeft, models.ChatMemberTypeBanned:
			return membership.Success()
		}
	}
	if err != nil {
		out := classify(err, membership.OpRemove)
		switch out.Kind {
		case membership.KindSuccess, membership.KindRateLimited, membership.KindPermissionDenied:
			return out
		}
	}

	if _, err := a.api.BanChatMember(ctx, &bot.BanChatMemberParams{ChatID: channelID, UserID: userID}); err != nil {
		return classify(err, membership.OpRemove)
	}

	// the ban already removed the user; the unban only lets them rejoin later
	if err := a.sleep(ctx, kickPause); err != nil {
		log.Warnw("telegram_unban_skipped", "channel_id", channelID, "user_id", userID, "err", err)
		return membership.Success()
	}
	if _, err := a.api.UnbanChatMember(ctx, &bot.UnbanChatMemberParams{
		ChatID:       channelID,
		UserID:       userID,
		OnlyIfBanned: true,
	}); err != nil {
		log.Warnw("telegram_unban_failed", "channel_id", channelID, "user_id", userID, "err", err)
	}
	return membership.Success()
}

func inviteText(link string) string {
	return fmt.Sprintf("Your access is active. Join the channel: <a href=\"%s\">%s</a>\nThe link works once.",
		html.EscapeString(link), html.EscapeString(link))
}
