// Package booking implements the booking state machine. Transition logic is
// pure: it never touches storage, clocks, or the network, so it can be tested
// directly against the transition table.
package booking

import (
	"errors"
	"fmt"

	"bookrecon/internal/model"
)

var (
	// ErrInvalidTransition means the event does not apply to the booking's
	// current state. Permanent for that event; the booking is unaffected.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStaleEvent means the event's sequence is at or behind the
	// booking's high-water mark. Ignored, not a failure.
	ErrStaleEvent = errors.New("stale event")
)

// transitions maps event type -> allowed source state -> resulting state.
// Terminal states appear as no event's source, so they reject everything.
var transitions = map[model.EventType]map[model.BookingStatus]model.BookingStatus{
	model.EventSchedulingConfirmed: {
		model.StatusCreated: model.StatusScheduled,
	},
	model.EventSchedulingCanceled: {
		model.StatusScheduled:      model.StatusCancelled,
		model.StatusPaymentPending: model.StatusCancelled,
		model.StatusPaid:           model.StatusCancelled,
		model.StatusConfirmed:      model.StatusCancelled,
	},
	model.EventSchedulingRescheduled: {
		model.StatusScheduled:      model.StatusScheduled,
		model.StatusPaymentPending: model.StatusPaymentPending,
		model.StatusPaid:           model.StatusPaid,
		model.StatusConfirmed:      model.StatusConfirmed,
	},
	model.EventPaymentInitiated: {
		model.StatusScheduled: model.StatusPaymentPending,
	},
	model.EventPaymentSucceeded: {
		model.StatusPaymentPending: model.StatusPaid,
	},
	model.EventPaymentFailed: {
		model.StatusPaymentPending: model.StatusPaymentPending,
	},
	model.EventPaymentRefunded: {
		model.StatusPaid:      model.StatusRefunded,
		model.StatusConfirmed: model.StatusRefunded,
	},
	model.EventConfirmationFinalized: {
		model.StatusPaid: model.StatusConfirmed,
	},
	model.EventUserCancel: {
		model.StatusCreated:        model.StatusCancelled,
		model.StatusScheduled:      model.StatusCancelled,
		model.StatusPaymentPending: model.StatusCancelled,
	},
}

// Transition returns the state reached by applying evt in state cur.
func Transition(cur model.BookingStatus, evt model.EventType) (model.BookingStatus, error) {
	byState, ok := transitions[evt]
	if !ok {
		return cur, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, evt)
	}
	next, ok := byState[cur]
	if !ok {
		return cur, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, evt, cur)
	}
	return next, nil
}

// Effects describes side effects owed after an accepted transition. The
// coordinator turns these into queued outbound calls; the machine itself
// performs none of them.
type Effects struct {
	// RefundDue: the booking was cancelled after money moved.
	RefundDue bool
	// CancelScheduleDue: the scheduling provider still holds a live slot
	// that must be released.
	CancelScheduleDue bool
	// Finalize: payment settled; confirm once both refs are present.
	Finalize bool
}

// Options tune how Apply resolves policy-dependent cases.
type Options struct {
	// MaxPaymentAttempts bounds payment retries; reaching it fails the
	// booking terminally. Zero means unbounded.
	MaxPaymentAttempts int
	// PaymentFirst permits payment-initiated to reach PAYMENT_PENDING
	// without a prior SCHEDULED when the intent carries its own
	// scheduling proof.
	PaymentFirst bool
}

// Apply applies evt to b, enforcing the sequence tie-break and the payment
// attempt limit. On success it returns the updated booking with Version
// incremented. b is passed by value; callers keep their copy on rejection.
func Apply(b model.Booking, evt model.NormalizedEvent, opts Options) (model.Booking, Effects, error) {
	var fx Effects

	// Events carrying a sequence must outrank the high-water mark; equal
	// rank is a stale redelivery of an already-superseded change.
	if evt.Seq > 0 && evt.Seq <= b.LastSeq {
		return b, fx, fmt.Errorf("%w: seq %d <= last seq %d", ErrStaleEvent, evt.Seq, b.LastSeq)
	}

	next, err := Transition(b.Status, evt.Type)
	if err != nil {
		if opts.PaymentFirst && evt.Type == model.EventPaymentInitiated && b.Status == model.StatusCreated {
			next, err = model.StatusPaymentPending, nil
		} else {
			return b, fx, err
		}
	}

	switch evt.Type {
	case model.EventSchedulingConfirmed:
		if evt.ScheduleRef != "" {
			b.ScheduleRef = evt.ScheduleRef
		}
		if evt.Provider != "" {
			b.ScheduleProvider = evt.Provider
		}
		if evt.StartAt != nil {
			b.StartAt = evt.StartAt
		}
		if evt.EndAt != nil {
			b.EndAt = evt.EndAt
		}
		if evt.BuilderID != "" {
			b.BuilderID = evt.BuilderID
		}
		if evt.ClientID != "" {
			b.ClientID = evt.ClientID
		}
	case model.EventSchedulingRescheduled:
		// New slot replaces the old scheduling reference and time bounds.
		if evt.ScheduleRef != "" {
			b.ScheduleRef = evt.ScheduleRef
		}
		if evt.StartAt != nil {
			b.StartAt = evt.StartAt
		}
		if evt.EndAt != nil {
			b.EndAt = evt.EndAt
		}
	case model.EventSchedulingCanceled:
		if b.Status == model.StatusPaid || b.Status == model.StatusConfirmed {
			fx.RefundDue = true
			b.RefundRequested = true
		}
	case model.EventPaymentInitiated:
		if evt.PaymentRef != "" {
			b.PaymentRef = evt.PaymentRef
		}
		if evt.Provider != "" {
			b.PaymentProvider = evt.Provider
		}
		if evt.AmountCents > 0 {
			b.AmountCents = evt.AmountCents
		}
		if evt.Currency != "" {
			b.Currency = evt.Currency
		}
	case model.EventPaymentSucceeded:
		if evt.PaymentRef != "" {
			b.PaymentRef = evt.PaymentRef
		}
		fx.Finalize = true
	case model.EventPaymentFailed:
		b.PaymentAttempts++
		if opts.MaxPaymentAttempts > 0 && b.PaymentAttempts >= opts.MaxPaymentAttempts {
			next = model.StatusFailed
		}
		// A retried payment comes in under a fresh intent.
		if evt.PaymentRef != "" {
			b.PaymentRef = evt.PaymentRef
		}
	case model.EventUserCancel:
		if b.ScheduleRef != "" {
			fx.CancelScheduleDue = true
		}
	}

	b.Status = next
	b.Version++
	// The high-water mark absorbs the applied sequence so that anything at
	// or below it stays stale no matter the arrival order. Internal events
	// carry no sequence and leave it untouched.
	if evt.Seq > b.LastSeq {
		b.LastSeq = evt.Seq
	}
	return b, fx, nil
}

// Parkable reports whether an event that cannot apply yet should wait in the
// pending buffer instead of being rejected: payment events that arrived ahead
// of the scheduling/initiation they depend on become valid once the booking
// catches up.
func Parkable(t model.EventType, cur model.BookingStatus) bool {
	switch t {
	case model.EventPaymentInitiated:
		return cur == model.StatusCreated
	case model.EventPaymentSucceeded:
		return cur == model.StatusCreated || cur == model.StatusScheduled
	default:
		return false
	}
}

// CanOriginate reports whether an event of type t may create a booking when
// no booking matches its correlation keys. Payment events may only originate
// a booking when paymentFirst is enabled; otherwise they wait for scheduling.
func CanOriginate(t model.EventType, paymentFirst bool) bool {
	switch t {
	case model.EventSchedulingConfirmed:
		return true
	case model.EventPaymentInitiated, model.EventPaymentSucceeded:
		return paymentFirst
	default:
		return false
	}
}
