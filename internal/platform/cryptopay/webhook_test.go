package cryptopay

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const sampleUpdate = `{"update_id":991,"update_type":"invoice_paid","request_date":"2026-03-01T09:00:00.000Z",
"payload":{"invoice_id":55,"status":"paid","asset":"USDT","amount":"8","payload":"u1:t1","paid_at":"2026-03-01T08:59:58Z"}}`

func TestVerifySignature(t *testing.T) {
	body := []byte(sampleUpdate)
	sig := Sign("app-token", body)

	require.True(t, VerifySignature("app-token", body, sig))
	require.False(t, VerifySignature("other-token", body, sig))
	require.False(t, VerifySignature("app-token", append([]byte(" "), body...), sig), "body is signed byte for byte")
	require.False(t, VerifySignature("app-token", body, ""))
	require.False(t, VerifySignature("app-token", body, "not-hex"))
}

func TestParseWebhook(t *testing.T) {
	u, err := ParseWebhook([]byte(sampleUpdate))
	require.NoError(t, err)
	require.Equal(t, int64(991), u.UpdateID)
	require.Equal(t, UpdateTypeInvoicePaid, u.UpdateType)
	require.Equal(t, "55", u.Payload.ExternalID())
	require.Equal(t, InvoiceStatusPaid, u.Payload.Status)
	require.True(t, u.Payload.Amount.Equal(decimal.NewFromInt(8)))
	require.Equal(t, "u1:t1", u.Payload.Payload)

	_, err = ParseWebhook([]byte(`{"update_type":"invoice_paid"}`))
	require.Error(t, err)
	_, err = ParseWebhook([]byte(`not json`))
	require.Error(t, err)
}
