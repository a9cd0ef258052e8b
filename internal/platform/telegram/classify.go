package telegram

import (
	"errors"
	"strings"
	"time"

	"github.com/go-telegram/bot"

	"github.com/fatflowers/chanseller/internal/platform/membership"
)

var (
	// the user's side (privacy settings, blocked bot, deleted account) and
	// targets no retry can reach: private channels and full channel quotas
	unreachableMarkers = []string{
		"USER NOT FOUND",
		"PEER_ID_INVALID",
		"CHAT NOT FOUND",
		"USER_PRIVACY_RESTRICTED",
		"USER_ID_INVALID",
		"PARTICIPANT_ID_INVALID",
		"BOT WAS BLOCKED BY THE USER",
		"BOT CAN'T INITIATE CONVERSATION",
		"USER IS DEACTIVATED",
		"CHANNEL_PRIVATE",
		"CHANNELS_TOO_MUCH",
		"USER_CHANNELS_TOO_MUCH",
	}
	permissionMarkers = []string{
		"NOT ENOUGH RIGHTS",
		"CHAT_ADMIN_REQUIRED",
		"NEED ADMINISTRATOR RIGHTS",
		"BOT IS NOT A MEMBER",
		"CAN'T REMOVE CHAT OWNER",
	}
)

// classify folds a Bot API error into a membership outcome.
func classify(err error, op membership.Op) membership.Outcome {
	if err == nil {
		return membership.Success()
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return membership.RateLimited(time.Duration(tooMany.RetryAfter)*time.Second, tooMany.Message)
	}
	if errors.Is(err, bot.ErrorTooManyRequests) {
		return membership.RateLimited(time.Second, err.Error())
	}

	msg := err.Error()
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "USER_ALREADY_PARTICIPANT"):
		return membership.AlreadyMember()
	case op == membership.OpRemove && strings.Contains(upper, "USER_NOT_PARTICIPANT"):
		return membership.Success()
	case containsAny(upper, unreachableMarkers):
		return membership.TargetUnreachable(msg)
	case errors.Is(err, bot.ErrorForbidden), containsAny(upper, permissionMarkers):
		return membership.PermissionDenied(msg)
	default:
		return membership.Transient(msg)
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
