package userbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/platform/membership"
	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
)

// Client drives the user-account sidecar. Unlike a bot, a user account can
// add members directly, so AddMember results in immediate channel access.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.SugaredLogger
}

func NewClient(baseURL string, httpClient *http.Client, l *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     l,
	}
}

func New(cfg *cfgpkg.Config, l *zap.SugaredLogger) *Client {
	return NewClient(cfg.Membership.UserbotURL, nil, l)
}

type actionRequest struct {
	UserTelegramID int64 `json:"user_telegram_id"`
	ChannelID      int64 `json:"channel_id"`
}

type actionResponse struct {
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
	ErrorType  string  `json:"error_type,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

type Health struct {
	Status           string `json:"status"`
	UserbotConnected bool   `json:"userbot_connected"`
	Error            string `json:"error,omitempty"`
}

func (c *Client) AddMember(ctx context.Context, channelID, userID int64) membership.Outcome {
	return c.action(ctx, "/invite/sync", membership.OpAdd, channelID, userID)
}

func (c *Client) RemoveMember(ctx context.Context, channelID, userID int64) membership.Outcome {
	return c.action(ctx, "/kick/sync", membership.OpRemove, channelID, userID)
}

// Health reports whether the sidecar is reachable and logged in.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach userbot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userbot health returned status %d", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode userbot health: %w", err)
	}
	if !h.UserbotConnected {
		return &h, fmt.Errorf("userbot is not connected: %s", h.Error)
	}
	return &h, nil
}

func (c *Client) action(ctx context.Context, path string, op membership.Op, channelID, userID int64) membership.Outcome {
	log := logctx.FromCtx(ctx, c.log)

	raw, err := json.Marshal(actionRequest{UserTelegramID: userID, ChannelID: channelID})
	if err != nil {
		return membership.Transient(fmt.Sprintf("failed to marshal request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return membership.Transient(fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnw("userbot_unreachable", "path", path, "err", err)
		return membership.Transient(fmt.Sprintf("userbot unreachable: %v", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= http.StatusInternalServerError {
		return membership.Transient(fmt.Sprintf("userbot returned status %d", resp.StatusCode))
	}

	var ar actionResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return membership.Transient(fmt.Sprintf("malformed userbot response (status %d): %v", resp.StatusCode, err))
	}
	if ar.Success {
		return membership.Success()
	}
	return mapError(op, ar)
}

// mapError folds the sidecar's error_type into an outcome.
func mapError(op membership.Op, ar actionResponse) membership.Outcome {
	msg := ar.Error
	if msg == "" {
		msg = ar.ErrorType
	}
	switch ar.ErrorType {
	case "flood_wait":
		return membership.RateLimited(time.Duration(ar.RetryAfter*float64(time.Second)), msg)
	case "admin_required":
		return membership.PermissionDenied(msg)
	case "privacy_restricted", "peer_invalid", "user_deactivated", "user_banned", "not_mutual_contact",
		"channel_private", "channels_too_much", "user_channels_too_much":
		return membership.TargetUnreachable(msg)
	case "already_participant":
		return membership.AlreadyMember()
	case "not_participant", "user_kicked":
		if op == membership.OpRemove {
			return membership.Success()
		}
		return membership.TargetUnreachable(msg)
	default:
		return membership.Transient(msg)
	}
}
