package cryptopay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrGatewayUnavailable covers network errors, timeouts, 5xx responses and
	// an open circuit. Callers must not treat it as a verdict on the invoice.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected is matched by *RejectedError.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// RejectedError is returned for 4xx responses and ok=false envelopes.
type RejectedError struct {
	StatusCode int
	Code       int
	Name       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("payment gateway rejected request: status=%d code=%d name=%s", e.StatusCode, e.Code, e.Name)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrGatewayRejected
}

type InvoiceStatus string

const (
	InvoiceStatusActive  InvoiceStatus = "active"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusExpired InvoiceStatus = "expired"
)

// UpdateTypeInvoicePaid is the only webhook update type sent by the gateway today.
const UpdateTypeInvoicePaid = "invoice_paid"

// Limits of the createInvoice method.
const (
	maxDescriptionLen = 1024
	maxPayloadLen     = 4096
	maxExpiresIn      = 2678400
)

type Invoice struct {
	InvoiceID      int64           `json:"invoice_id"`
	Hash           string          `json:"hash"`
	Status         InvoiceStatus   `json:"status"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	PaidAsset      string          `json:"paid_asset,omitempty"`
	PaidAmount     decimal.Decimal `json:"paid_amount,omitempty"`
	PayURL         string          `json:"pay_url"`
	BotInvoiceURL  string          `json:"bot_invoice_url"`
	Description    string          `json:"description,omitempty"`
	Payload        string          `json:"payload,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
}

// ExternalID is the invoice id in the string form stored on payments.
func (i *Invoice) ExternalID() string {
	return strconv.FormatInt(i.InvoiceID, 10)
}

// URL prefers the bot deep link, as the gateway deprecated pay_url.
func (i *Invoice) URL() string {
	if i.BotInvoiceURL != "" {
		return i.BotInvoiceURL
	}
	return i.PayURL
}

type CreateInvoiceRequest struct {
	Amount      decimal.Decimal
	Asset       string
	Description string
	Payload     string
	TTL         time.Duration
}

// InvoiceHandle is what the ledger stores about a freshly created invoice.
type InvoiceHandle struct {
	ExternalID string
	PayURL     string
	ExpiresAt  *time.Time
}

type AppInfo struct {
	AppID                        int64  `json:"app_id"`
	Name                         string `json:"name"`
	PaymentProcessingBotUsername string `json:"payment_processing_bot_username"`
}

type WebhookUpdate struct {
	UpdateID    int64     `json:"update_id"`
	UpdateType  string    `json:"update_type"`
	RequestDate time.Time `json:"request_date"`
	Payload     Invoice   `json:"payload"`
}

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *envelopeError  `json:"error"`
}

type envelopeError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

type createInvoiceBody struct {
	CurrencyType   string `json:"currency_type"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	Payload        string `json:"payload,omitempty"`
	ExpiresIn      int64  `json:"expires_in"`
	AllowComments  bool   `json:"allow_comments"`
	AllowAnonymous bool   `json:"allow_anonymous"`
}

type deleteInvoiceBody struct {
	InvoiceID int64 `json:"invoice_id"`
}

type invoiceList struct {
	Items []*Invoice `json:"items"`
}
