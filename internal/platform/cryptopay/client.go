package cryptopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/metrics"
)

const (
	DefaultBaseURL  = "https://pay.crypt.bot/api"
	tokenHeader     = "Crypto-Pay-API-Token"
	SignatureHeader = "crypto-pay-api-signature"

	maxResponseSize = 1 << 20
)

type Options struct {
	Token      string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Crypto Pay API. Every call is bounded by the configured
// timeout and goes through a circuit breaker.
type Client struct {
	token   string
	baseURL string
	timeout time.Duration
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger
	metrics *metrics.Business
}

func NewClient(opts Options, l *zap.SugaredLogger, m *metrics.Business) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	c := &Client{
		token:   opts.Token,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		log:     l,
		metrics: m,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cryptopay",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			l.Warnw("circuit_breaker_state_changed", "name", name, "from", from.String(), "to", to.String())
		},
		// a rejected request means the gateway is up
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrGatewayUnavailable)
		},
	})
	return c
}

// New builds the client from application config.
func New(cfg *cfgpkg.Config, l *zap.SugaredLogger, m *metrics.Business) *Client {
	return NewClient(Options{
		Token:   cfg.CryptoPay.Token,
		BaseURL: cfg.CryptoPay.BaseURL,
		Timeout: cfg.CryptoPay.Timeout,
	}, l, m)
}

var Module = fx.Options(
	fx.Provide(New),
)

// CreateInvoice creates a crypto invoice. Description and payload are cut to
// the gateway limits and the TTL is clamped into the accepted range.
func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*InvoiceHandle, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("invoice amount must be positive, got %s", req.Amount.String())
	}
	body := createInvoiceBody{
		CurrencyType:   "crypto",
		Asset:          req.Asset,
		Amount:         req.Amount.String(),
		Description:    truncate(req.Description, maxDescriptionLen),
		Payload:        truncate(req.Payload, maxPayloadLen),
		ExpiresIn:      clampExpiresIn(req.TTL),
		AllowComments:  false,
		AllowAnonymous: true,
	}

	var inv Invoice
	if err := c.call(ctx, "createInvoice", http.MethodPost, nil, body, &inv); err != nil {
		return nil, err
	}
	handle := &InvoiceHandle{
		ExternalID: inv.ExternalID(),
		PayURL:     inv.URL(),
		ExpiresAt:  inv.ExpirationDate,
	}
	logctx.FromCtx(ctx, c.log).Infow("cryptopay_invoice_created",
		"invoice_id", handle.ExternalID,
		"amount", req.Amount.String(),
		"asset", req.Asset,
	)
	return handle, nil
}

// GetInvoice fetches one invoice by its external id.
func (c *Client) GetInvoice(ctx context.Context, externalID string) (*Invoice, error) {
	id, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid invoice id %q", ErrInvoiceNotFound, externalID)
	}
	q := url.Values{}
	q.Set("invoice_ids", externalID)

	var list invoiceList
	if err := c.call(ctx, "getInvoices", http.MethodGet, q, nil, &list); err != nil {
		return nil, err
	}
	for _, inv := range list.Items {
		if inv != nil && inv.InvoiceID == id {
			return inv, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

// DeleteInvoice removes an unpaid invoice so it can no longer be paid.
func (c *Client) DeleteInvoice(ctx context.Context, externalID string) error {
	id, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid invoice id %q", ErrInvoiceNotFound, externalID)
	}
	var ok bool
	return c.call(ctx, "deleteInvoice", http.MethodPost, nil, deleteInvoiceBody{InvoiceID: id}, &ok)
}

// GetMe is the connectivity check used by the deep health endpoint.
func (c *Client) GetMe(ctx context.Context) (*AppInfo, error) {
	var info AppInfo
	if err := c.call(ctx, "getMe", http.MethodGet, nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) call(ctx context.Context, method, httpMethod string, query url.Values, body any, out any) error {
	start := time.Now()
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, httpMethod, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	metrics.ObserveSince(c.metrics.GatewayDur, start, method, resultLabel(err))
	if err != nil {
		logctx.FromCtx(ctx, c.log).Warnw("cryptopay_call_failed", "method", method, "err", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, httpMethod string, query url.Values, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", method, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set(tokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: %s: failed to read response: %v", ErrGatewayUnavailable, method, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s: status %d", ErrGatewayUnavailable, method, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &RejectedError{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("%w: %s: malformed response: %v", ErrGatewayUnavailable, method, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.OK {
		rej := &RejectedError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			rej.Code = env.Error.Code
			rej.Name = env.Error.Name
		}
		return rej
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, ErrGatewayRejected):
		return "rejected"
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func clampExpiresIn(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		return 1
	}
	if secs > maxExpiresIn {
		return maxExpiresIn
	}
	return secs
}
