package model

import "time"

// BookingStatus is the authoritative lifecycle state of a booking.
type BookingStatus string

const (
	StatusCreated        BookingStatus = "created"
	StatusScheduled      BookingStatus = "scheduled"
	StatusPaymentPending BookingStatus = "payment_pending"
	StatusPaid           BookingStatus = "paid"
	StatusConfirmed      BookingStatus = "confirmed"
	StatusCancelled      BookingStatus = "cancelled"
	StatusFailed         BookingStatus = "failed"
	StatusRefunded       BookingStatus = "refunded"
)

// Terminal reports whether no further transitions are allowed from s.
func (s BookingStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusFailed || s == StatusRefunded
}

// EventType is the provider-agnostic classification of an inbound event.
type EventType string

const (
	EventSchedulingConfirmed   EventType = "scheduling.confirmed"
	EventSchedulingCanceled    EventType = "scheduling.canceled"
	EventSchedulingRescheduled EventType = "scheduling.rescheduled"
	EventPaymentInitiated      EventType = "payment.initiated"
	EventPaymentSucceeded      EventType = "payment.succeeded"
	EventPaymentFailed         EventType = "payment.failed"
	EventPaymentRefunded       EventType = "payment.refunded"
	// EventConfirmationFinalized is emitted internally once scheduling and
	// payment have both settled; it never arrives over the wire.
	EventConfirmationFinalized EventType = "confirmation.finalized"
	EventUserCancel            EventType = "user.cancel"
)

// Booking is the aggregate the reconciliation engine converges on.
// Bookings are never deleted; terminal states are retained for audit.
type Booking struct {
	ID          string        `json:"id"`
	ExternalRef string        `json:"externalRef,omitempty"`
	Status      BookingStatus `json:"status"`

	// Correlation keys into the external providers. Rescheduling replaces
	// the scheduling reference; a fresh payment attempt replaces the
	// payment reference.
	ScheduleProvider string `json:"scheduleProvider,omitempty"`
	ScheduleRef      string `json:"scheduleRef,omitempty"`
	PaymentProvider  string `json:"paymentProvider,omitempty"`
	PaymentRef       string `json:"paymentRef,omitempty"`

	AmountCents int64      `json:"amountCents,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	StartAt     *time.Time `json:"startAt,omitempty"`
	EndAt       *time.Time `json:"endAt,omitempty"`
	BuilderID   string     `json:"builderId,omitempty"`
	ClientID    string     `json:"clientId,omitempty"`

	// Version increments on every accepted transition and backs the
	// optimistic-concurrency write in the store.
	Version int `json:"version"`
	// LastSeq is the highest provider sequence applied so far. Stale checks
	// compare against it, not Version, so internal transitions never consume
	// provider sequence space.
	LastSeq         int `json:"lastSeq,omitempty"`
	PaymentAttempts int `json:"paymentAttempts,omitempty"`
	// RefundRequested marks that a refund call has been owed for this
	// booking, whether or not it has been delivered yet.
	RefundRequested bool `json:"refundRequested,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NormalizedEvent is the provider-agnostic form of a webhook payload.
type NormalizedEvent struct {
	Provider    string     `json:"provider"`
	EventID     string     `json:"eventId"`
	Type        EventType  `json:"type"`
	ExternalRef string     `json:"externalRef,omitempty"`
	ScheduleRef string     `json:"scheduleRef,omitempty"`
	PaymentRef  string     `json:"paymentRef,omitempty"`
	Seq         int        `json:"seq,omitempty"`
	StartAt     *time.Time `json:"startAt,omitempty"`
	EndAt       *time.Time `json:"endAt,omitempty"`
	AmountCents int64      `json:"amountCents,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	BuilderID   string     `json:"builderId,omitempty"`
	ClientID    string     `json:"clientId,omitempty"`
	ActorID     string     `json:"actorId,omitempty"`
	OccurredAt  time.Time  `json:"occurredAt"`
}

// EventOutcome records how a ledger entry was resolved.
type EventOutcome string

const (
	OutcomeReceived EventOutcome = "received" // in flight, not yet settled
	OutcomeApplied  EventOutcome = "applied"
	OutcomeRejected EventOutcome = "rejected"
	OutcomeIgnored  EventOutcome = "ignored" // stale sequence
	OutcomeParked   EventOutcome = "parked"  // waiting for its booking to exist
)

// ProcessedEvent is the idempotency ledger entry for one (provider, event id).
type ProcessedEvent struct {
	Provider   string       `json:"provider"`
	EventID    string       `json:"eventId"`
	Outcome    EventOutcome `json:"outcome"`
	BookingID  string       `json:"bookingId,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	RecordedAt time.Time    `json:"recordedAt"`
}

// CredentialStatus is the health of one provider API credential.
type CredentialStatus string

const (
	CredentialActive      CredentialStatus = "active"
	CredentialInvalid     CredentialStatus = "invalid"
	CredentialRateLimited CredentialStatus = "rate_limited"
)

// Credential is an API credential for outbound calls to a provider.
type Credential struct {
	ID          string           `json:"id"`
	Provider    string           `json:"provider"`
	Secret      string           `json:"-"`
	Status      CredentialStatus `json:"status"`
	LastFailure time.Time        `json:"lastFailure,omitempty"`
	FailCount   int              `json:"failCount,omitempty"`
}

// Outbound call kinds.
const (
	CallRefund         = "refund"
	CallCancelSchedule = "cancel_schedule"
	CallCreateSchedule = "create_schedule"
	CallQueryPayment   = "query_payment"
)

// OutboundCall is one queued side effect toward a provider API. Delivery is
// retried with backoff; exhausted calls move to the dead-letter queue.
type OutboundCall struct {
	ID             string `json:"id"`
	Provider       string `json:"provider"`
	Kind           string `json:"kind"`
	BookingID      string `json:"bookingId"`
	IdempotencyKey string `json:"idempotencyKey"`
	URL            string `json:"url"`
	Payload        []byte `json:"payload,omitempty"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"lastError,omitempty"`
	ResponseCode   int    `json:"responseCode,omitempty"`
	LatencyMs      int    `json:"latencyMs,omitempty"`
}
