package types

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonPurchase    SubscriptionChangeReason = "purchase"
	SubscriptionChangeReasonManualGrant SubscriptionChangeReason = "manual_grant"
	SubscriptionChangeReasonTrial       SubscriptionChangeReason = "trial"
	SubscriptionChangeReasonRenewal     SubscriptionChangeReason = "renewal"
	SubscriptionChangeReasonReplaced    SubscriptionChangeReason = "replaced"
	SubscriptionChangeReasonExpired     SubscriptionChangeReason = "expired"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusExpired   PaymentStatus = "expired"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	// PaymentStatusManual marks the bookkeeping row of an operator grant.
	PaymentStatusManual PaymentStatus = "manual"
)

type PaymentMethod string

const (
	PaymentMethodCryptoPay PaymentMethod = "cryptopay"
	PaymentMethodManual    PaymentMethod = "manual"
	// PaymentMethodFree is used when a promocode covers the whole price.
	PaymentMethodFree PaymentMethod = "free"
)

type PaymentProvider string

const (
	PaymentProviderCryptoPay PaymentProvider = "cryptopay"
)
