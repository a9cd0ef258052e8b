package userbot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/platform/membership"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client(), zap.NewNop().Sugar())
}

func TestAddMember_PostsInvite(t *testing.T) {
	var got actionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invite/sync", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	out := c.AddMember(context.Background(), -1001, 42)
	require.Equal(t, membership.KindSuccess, out.Kind)
	require.Equal(t, actionRequest{UserTelegramID: 42, ChannelID: -1001}, got)
}

func TestRemoveMember_Outcomes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   membership.Kind
	}{
		{"ok", 200, `{"success":true}`, membership.KindSuccess},
		{"flood", 200, `{"success":false,"error_type":"flood_wait","retry_after":15}`, membership.KindRateLimited},
		{"admin", 200, `{"success":false,"error_type":"admin_required","error":"not admin"}`, membership.KindPermissionDenied},
		{"not participant", 200, `{"success":false,"error_type":"not_participant"}`, membership.KindSuccess},
		{"peer invalid", 200, `{"success":false,"error_type":"peer_invalid"}`, membership.KindTargetUnreachable},
		{"channel private", 200, `{"success":false,"error_type":"channel_private"}`, membership.KindTargetUnreachable},
		{"channel limit", 200, `{"success":false,"error_type":"channels_too_much"}`, membership.KindTargetUnreachable},
		{"user channel limit", 200, `{"success":false,"error_type":"user_channels_too_much"}`, membership.KindTargetUnreachable},
		{"unknown", 200, `{"success":false,"error":"boom"}`, membership.KindTransientFailure},
		{"server error", 502, `bad gateway`, membership.KindTransientFailure},
		{"garbage", 200, `<html>`, membership.KindTransientFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/kick/sync", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			require.Equal(t, tc.want, c.RemoveMember(context.Background(), -1001, 42).Kind)
		})
	}
}

func TestMapError_RetryAfter(t *testing.T) {
	out := mapError(membership.OpAdd, actionResponse{ErrorType: "flood_wait", RetryAfter: 2.5})
	require.Equal(t, 2500*time.Millisecond, out.RetryAfter)

	out = mapError(membership.OpAdd, actionResponse{ErrorType: "already_participant"})
	require.Equal(t, membership.KindAlreadyMember, out.Kind)

	out = mapError(membership.OpAdd, actionResponse{ErrorType: "not_participant"})
	require.Equal(t, membership.KindTargetUnreachable, out.Kind)
}

func TestAction_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", &http.Client{Timeout: 200 * time.Millisecond}, zap.NewNop().Sugar())
	out := c.AddMember(context.Background(), -1001, 42)
	require.Equal(t, membership.KindTransientFailure, out.Kind)
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","userbot_connected":true}`))
	})
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	require.True(t, h.UserbotConnected)

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","userbot_connected":false,"error":"session expired"}`))
	})
	_, err = down.Health(context.Background())
	require.ErrorContains(t, err, "session expired")
}
