package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/types"
)

func TestPlanReplacement_LeavesNoActiveRow(t *testing.T) {
	current := []*models.Subscription{
		{ID: "a", IsActive: true},
		nil,
		{ID: "b", IsActive: false},
		{ID: "c", IsActive: true},
	}
	got := planReplacement(current)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "c", got[1].ID)
	for _, s := range got {
		require.False(t, s.IsActive)
	}
	// input rows are not mutated
	require.True(t, current[0].IsActive)
}

func TestExpiryFor(t *testing.T) {
	start := time.Date(2026, 1, 10, 8, 30, 0, 0, time.UTC)

	got := expiryFor(start, 30)
	require.NotNil(t, got)
	require.Equal(t, time.Date(2026, 2, 9, 8, 30, 0, 0, time.UTC), *got)

	require.Nil(t, expiryFor(start, 0))
	require.Nil(t, expiryFor(start, -1))
}

func TestExtendWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(5 * day)
	past := now.Add(-10 * day)

	got := extendWindow(&future, now, 30)
	require.Equal(t, now.Add(35*day), *got, "remaining time is kept")

	got = extendWindow(&past, now, 30)
	require.Equal(t, now.Add(30*day), *got, "expired restarts from now")

	require.Nil(t, extendWindow(nil, now, 30), "forever stays forever")
}

func TestExtendWindow_Additive(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	start := now.Add(2 * day)

	once := extendWindow(extendWindow(&start, now, 10), now, 20)
	twice := extendWindow(&start, now, 30)
	require.Equal(t, *twice, *once)
}

func TestDueForNotification(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	in := func(d time.Duration) *time.Time { at := now.Add(d); return &at }

	cases := []struct {
		name string
		sub  *models.Subscription
		flag NotifyFlag
		th   time.Duration
		want bool
	}{
		{"within 3 days", &models.Subscription{IsActive: true, ExpiresAt: in(2 * day)}, NotifyFlag3Days, 3 * day, true},
		{"exactly at threshold", &models.Subscription{IsActive: true, ExpiresAt: in(3 * day)}, NotifyFlag3Days, 3 * day, true},
		{"beyond threshold", &models.Subscription{IsActive: true, ExpiresAt: in(4 * day)}, NotifyFlag3Days, 3 * day, false},
		{"already flagged", &models.Subscription{IsActive: true, ExpiresAt: in(2 * day), Notified3Days: true}, NotifyFlag3Days, 3 * day, false},
		{"1 day flag independent", &models.Subscription{IsActive: true, ExpiresAt: in(12 * time.Hour), Notified3Days: true}, NotifyFlag1Day, day, true},
		{"already expired", &models.Subscription{IsActive: true, ExpiresAt: in(-time.Minute)}, NotifyFlag1Day, day, false},
		{"inactive", &models.Subscription{IsActive: false, ExpiresAt: in(time.Hour)}, NotifyFlag1Day, day, false},
		{"forever", &models.Subscription{IsActive: true}, NotifyFlag1Day, day, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, dueForNotification(tc.sub, now, tc.th, tc.flag))
		})
	}
}

func TestIsDueForExpiry(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	require.True(t, isDueForExpiry(&models.Subscription{IsActive: true, ExpiresAt: &past}, now))
	require.True(t, isDueForExpiry(&models.Subscription{IsActive: true, ExpiresAt: &now}, now))
	require.False(t, isDueForExpiry(&models.Subscription{IsActive: true, ExpiresAt: &future}, now))
	require.False(t, isDueForExpiry(&models.Subscription{IsActive: true}, now), "forever is never due")
	require.False(t, isDueForExpiry(&models.Subscription{IsActive: true, AutoKicked: true, ExpiresAt: &past}, now))
	require.False(t, isDueForExpiry(&models.Subscription{IsActive: false, ExpiresAt: &past}, now))
}

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		from, to types.PaymentStatus
		noop     bool
		illegal  bool
	}{
		{types.PaymentStatusPending, types.PaymentStatusPaid, false, false},
		{types.PaymentStatusPending, types.PaymentStatusExpired, false, false},
		{types.PaymentStatusPending, types.PaymentStatusCancelled, false, false},
		{types.PaymentStatusPaid, types.PaymentStatusPaid, true, false},
		{types.PaymentStatusExpired, types.PaymentStatusExpired, true, false},
		{types.PaymentStatusExpired, types.PaymentStatusPaid, false, true},
		{types.PaymentStatusCancelled, types.PaymentStatusPaid, false, true},
		{types.PaymentStatusPaid, types.PaymentStatusExpired, false, true},
		{types.PaymentStatusPending, types.PaymentStatusManual, false, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			noop, err := checkTransition(tc.from, tc.to)
			require.Equal(t, tc.noop, noop)
			require.Equal(t, tc.illegal, errors.Is(err, ErrIllegalTransition))
		})
	}
}

func TestInvoicePayload(t *testing.T) {
	p := InvoicePayload{UserID: "u1", TariffID: "t1"}
	require.Equal(t, "u1:t1", p.String())

	p.PromocodeID = "p1"
	parsed, err := ParseInvoicePayload(p.String())
	require.NoError(t, err)
	require.Equal(t, p, parsed)

	for _, bad := range []string{"", "u1", ":t1", "u1:", "a:b:c:d"} {
		_, err := ParseInvoicePayload(bad)
		require.Error(t, err, bad)
	}

	promo := "p9"
	require.Equal(t, "u:t:p9", PayloadFor(&models.Payment{UserID: "u", TariffID: "t", PromocodeID: &promo}).String())
	require.Equal(t, "u:t", PayloadFor(&models.Payment{UserID: "u", TariffID: "t"}).String())
}
