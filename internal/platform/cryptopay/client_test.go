package cryptopay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{Token: "test-token", BaseURL: srv.URL, Timeout: timeout}, zap.NewNop().Sugar(), nil)
}

func TestCreateInvoice(t *testing.T) {
	var got createInvoiceBody
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/createInvoice", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-token", r.Header.Get(tokenHeader))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"invoice_id":42,"status":"active","asset":"USDT","amount":"8.00",
			"pay_url":"https://pay/old","bot_invoice_url":"https://t.me/CryptoBot?start=IV42",
			"expiration_date":"2026-01-01T13:00:00.000Z"}}`))
	}, time.Second)

	h, err := c.CreateInvoice(context.Background(), CreateInvoiceRequest{
		Amount:      decimal.RequireFromString("8.00"),
		Asset:       "USDT",
		Description: "Premium, 30 days",
		Payload:     "u1:t1",
		TTL:         time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, "42", h.ExternalID)
	require.Equal(t, "https://t.me/CryptoBot?start=IV42", h.PayURL)
	require.NotNil(t, h.ExpiresAt)
	require.Equal(t, time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), h.ExpiresAt.UTC())

	require.Equal(t, "8", got.Amount)
	require.Equal(t, "USDT", got.Asset)
	require.Equal(t, "u1:t1", got.Payload)
	require.Equal(t, int64(3600), got.ExpiresIn)
}

func TestCreateInvoice_RejectsNonPositiveAmount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called")
	}, time.Second)
	_, err := c.CreateInvoice(context.Background(), CreateInvoiceRequest{Amount: decimal.Zero, Asset: "USDT", TTL: time.Hour})
	require.Error(t, err)
}

func TestGetInvoice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getInvoices", r.URL.Path)
		switch r.URL.Query().Get("invoice_ids") {
		case "7":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"items":[{"invoice_id":7,"status":"paid","asset":"USDT","amount":"10",
				"payload":"u:t","paid_at":"2026-02-01T10:00:00Z"}]}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":{"items":[]}}`))
		}
	}, time.Second)

	inv, err := c.GetInvoice(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPaid, inv.Status)
	require.True(t, inv.Amount.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "u:t", inv.Payload)
	require.NotNil(t, inv.PaidAt)

	_, err = c.GetInvoice(context.Background(), "8")
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	_, err = c.GetInvoice(context.Background(), "free-abc")
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestCall_ErrorMapping(t *testing.T) {
	t.Run("server error is unavailable", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, time.Second)
		_, err := c.GetMe(context.Background())
		require.ErrorIs(t, err, ErrGatewayUnavailable)
		require.False(t, errors.Is(err, ErrGatewayRejected))
	})

	t.Run("api error is rejected", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error":{"code":400,"name":"AMOUNT_TOO_SMALL"}}`))
		}, time.Second)
		_, err := c.GetMe(context.Background())
		require.ErrorIs(t, err, ErrGatewayRejected)
		var rej *RejectedError
		require.True(t, errors.As(err, &rej))
		require.Equal(t, "AMOUNT_TOO_SMALL", rej.Name)
		require.Equal(t, 400, rej.Code)
	})

	t.Run("ok false with 200 is rejected", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":false,"error":{"code":401,"name":"UNAUTHORIZED"}}`))
		}, time.Second)
		_, err := c.GetMe(context.Background())
		require.ErrorIs(t, err, ErrGatewayRejected)
	})

	t.Run("timeout is unavailable", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}, 30*time.Millisecond)
		_, err := c.GetInvoice(context.Background(), "1")
		require.ErrorIs(t, err, ErrGatewayUnavailable)
		require.False(t, errors.Is(err, ErrInvoiceNotFound))
	})
}

func TestCall_BreakerOpensOnUnavailable(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}, time.Second)

	for i := 0; i < 5; i++ {
		_, err := c.GetMe(context.Background())
		require.ErrorIs(t, err, ErrGatewayUnavailable)
	}
	require.Equal(t, 3, calls, "open breaker short-circuits further calls")
}

func TestCall_RejectionsDoNotTripBreaker(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error":{"code":400,"name":"INVOICE_NOT_FOUND"}}`))
	}, time.Second)

	for i := 0; i < 5; i++ {
		_, err := c.GetMe(context.Background())
		require.ErrorIs(t, err, ErrGatewayRejected)
	}
	require.Equal(t, 5, calls)
}

func TestClampAndTruncate(t *testing.T) {
	require.Equal(t, int64(1), clampExpiresIn(0))
	require.Equal(t, int64(60), clampExpiresIn(time.Minute))
	require.Equal(t, int64(maxExpiresIn), clampExpiresIn(90*24*time.Hour))

	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "пр", truncate("привет", 2))
}
