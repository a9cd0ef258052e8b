package membership

import (
	"context"
	"fmt"
	"time"
)

// Kind classifies the result of a membership call.
type Kind string

const (
	KindSuccess           Kind = "success"
	KindAlreadyMember     Kind = "already_member"
	KindRateLimited       Kind = "rate_limited"
	KindPermissionDenied  Kind = "permission_denied"
	KindTargetUnreachable Kind = "target_unreachable"
	KindTransientFailure  Kind = "transient_failure"
)

// Outcome is the closed result of AddMember/RemoveMember. Agents never return
// Go errors; every failure is folded into one of the kinds above.
type Outcome struct {
	Kind Kind
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
	Message    string
}

func Success() Outcome       { return Outcome{Kind: KindSuccess} }
func AlreadyMember() Outcome { return Outcome{Kind: KindAlreadyMember} }

func RateLimited(retryAfter time.Duration, msg string) Outcome {
	return Outcome{Kind: KindRateLimited, RetryAfter: retryAfter, Message: msg}
}

func PermissionDenied(msg string) Outcome {
	return Outcome{Kind: KindPermissionDenied, Message: msg}
}

func TargetUnreachable(msg string) Outcome {
	return Outcome{Kind: KindTargetUnreachable, Message: msg}
}

func Transient(msg string) Outcome {
	return Outcome{Kind: KindTransientFailure, Message: msg}
}

// IsSuccess reports whether the user ended up in the desired state.
func (o Outcome) IsSuccess() bool {
	return o.Kind == KindSuccess || o.Kind == KindAlreadyMember
}

// Retryable reports whether the same call may succeed later.
func (o Outcome) Retryable() bool {
	return o.Kind == KindRateLimited || o.Kind == KindTransientFailure
}

// OperatorError reports whether a human has to act on a final outcome.
// TargetUnreachable is the user's side (privacy, deleted account) and is
// informational only.
func (o Outcome) OperatorError() bool {
	switch o.Kind {
	case KindPermissionDenied, KindRateLimited, KindTransientFailure:
		return true
	default:
		return false
	}
}

func (o Outcome) String() string {
	switch {
	case o.Kind == KindRateLimited:
		return fmt.Sprintf("%s(retry_after=%s)", o.Kind, o.RetryAfter)
	case o.Message != "":
		return fmt.Sprintf("%s: %s", o.Kind, o.Message)
	default:
		return string(o.Kind)
	}
}

type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Agent changes channel membership through a Telegram account that
// administers the channel.
type Agent interface {
	AddMember(ctx context.Context, channelID, userID int64) Outcome
	RemoveMember(ctx context.Context, channelID, userID int64) Outcome
}

// Apply dispatches op to the matching agent method.
func Apply(ctx context.Context, a Agent, op Op, channelID, userID int64) Outcome {
	switch op {
	case OpAdd:
		return a.AddMember(ctx, channelID, userID)
	case OpRemove:
		return a.RemoveMember(ctx, channelID, userID)
	default:
		return Transient(fmt.Sprintf("unknown membership op %q", op))
	}
}
