package types

type MembershipTaskType string

const (
	MembershipTaskTypeAdd    MembershipTaskType = "add"
	MembershipTaskTypeRemove MembershipTaskType = "remove"
)

type MembershipTaskStatus string

const (
	MembershipTaskStatusPending    MembershipTaskStatus = "pending"
	MembershipTaskStatusProcessing MembershipTaskStatus = "processing"
	MembershipTaskStatusCompleted  MembershipTaskStatus = "completed"
	MembershipTaskStatusFailed     MembershipTaskStatus = "failed"
	// MembershipTaskStatusSkipped marks an add whose subscription stopped
	// granting access before the task ran.
	MembershipTaskStatusSkipped MembershipTaskStatus = "skipped"
)

type IncidentKind string

const (
	IncidentKindMembershipAddFailed    IncidentKind = "membership_add_failed"
	IncidentKindMembershipRemoveFailed IncidentKind = "membership_remove_failed"
	IncidentKindPaymentAmountMismatch  IncidentKind = "payment_amount_mismatch"
	IncidentKindPaymentPayloadMismatch IncidentKind = "payment_payload_mismatch"
	IncidentKindReconcileFailed        IncidentKind = "reconcile_failed"
	IncidentKindNotifyFailed           IncidentKind = "notify_failed"
)

type IncidentStatus string

const (
	IncidentStatusOpen     IncidentStatus = "open"
	IncidentStatusResolved IncidentStatus = "resolved"
)
