// Package store provides booking persistence, the idempotency ledger, the
// pending-event buffer, and the outbound call queue behind one interface.
package store

import (
	"context"
	"errors"
	"time"

	"bookrecon/internal/model"
)

// Store is the persistence interface used by the reconciliation engine.
type Store interface {
	// Bookings
	CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error)
	GetBooking(ctx context.Context, id string) (model.Booking, error)
	FindBookingByExternalRef(ctx context.Context, ref string) (model.Booking, error)
	FindBookingByScheduleRef(ctx context.Context, ref string) (model.Booking, error)
	FindBookingByPaymentRef(ctx context.Context, ref string) (model.Booking, error)
	ListBookings(ctx context.Context, status, cursor string, limit int) ([]model.Booking, string, error)
	// SaveBookingWithEvent persists b and settles the ledger row for evt in
	// one unit of work, guarded by expectedVersion. A crash cannot leave
	// the booking updated with the event unmarked, or vice versa.
	SaveBookingWithEvent(ctx context.Context, b model.Booking, expectedVersion int, evt model.ProcessedEvent) error

	// Idempotency ledger
	// RecordEventIfNew atomically claims (provider, eventID). The first
	// caller gets isNew=true; concurrent or later callers observe the
	// prior entry and must not reapply.
	RecordEventIfNew(ctx context.Context, provider, eventID string) (isNew bool, prior model.ProcessedEvent, err error)
	FinalizeEvent(ctx context.Context, provider, eventID string, outcome model.EventOutcome, bookingID, detail string) error
	ListProcessedEvents(ctx context.Context, provider, cursor string, limit int) ([]model.ProcessedEvent, string, error)
	PurgeProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Pending buffer: events that arrived ahead of the booking they belong to.
	ParkEvent(ctx context.Context, externalRef string, evt model.NormalizedEvent) error
	TakeParkedEvents(ctx context.Context, externalRef string) ([]model.NormalizedEvent, error)

	// Outbound call queue
	EnqueueOutboundCall(ctx context.Context, call model.OutboundCall) (string, error)
	FetchDueOutboundCalls(ctx context.Context, limit int) ([]model.OutboundCall, error)
	MarkOutboundCall(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error
	FailOutboundCall(ctx context.Context, id, lastError string, responseCode, latencyMs int) error
	ListOutboundCalls(ctx context.Context, status, cursor string, limit int) ([]model.OutboundCall, string, error)
	RetryOutboundCall(ctx context.Context, id string) error

	// Dead-letter queue
	ListOutboundDLQ(ctx context.Context, cursor string, limit int) ([]map[string]any, string, error)
	RequeueOutboundDLQ(ctx context.Context, id string) error
}

// maxParkedPerRef bounds the pending buffer per external ref; the oldest
// entries by sequence are evicted first.
const maxParkedPerRef = 16

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the optimistic version guard failed; the
	// caller re-reads and retries.
	ErrVersionConflict = errors.New("version conflict")
)
