// Package recon hosts the reconciliation coordinator: the single pipeline
// through which every inbound event, whether delivered by webhook or raised
// by a user action, reaches the booking state machine.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"bookrecon/internal/booking"
	"bookrecon/internal/events"
	"bookrecon/internal/model"
	"bookrecon/internal/store"
	"bookrecon/internal/webhooks"
)

// internalProvider labels ledger rows for events the engine raises itself
// (user cancellations, finalization). It must never collide with a
// registered webhook provider name.
const internalProvider = "internal"

var (
	// ErrTransient means persistence failed after bounded retries; the
	// ledger entry stays unsettled so a redelivery can finish the work.
	ErrTransient = errors.New("transient failure, retry later")
	// ErrUnknownBooking means the event carries no correlation key that
	// resolves to a booking and its type may not originate one.
	ErrUnknownBooking = errors.New("no booking matches event")
)

// Outcome is the coordinator's verdict on one event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeParked    Outcome = "parked"
	OutcomeRejected  Outcome = "rejected"
)

// Result reports what happened to an event.
type Result struct {
	Outcome   Outcome             `json:"outcome"`
	BookingID string              `json:"bookingId,omitempty"`
	Status    model.BookingStatus `json:"status,omitempty"`
	Detail    string              `json:"detail,omitempty"`
}

// Notifier receives booking change notifications after a transition commits.
type Notifier interface {
	BookingChanged(b model.Booking, evt model.EventType)
}

// Config tunes coordinator policy.
type Config struct {
	// MaxPaymentAttempts bounds payment retries before the booking fails
	// terminally. Zero means unbounded.
	MaxPaymentAttempts int
	// PaymentFirst allows payment intents carrying scheduling proof to
	// originate bookings ahead of the scheduling provider.
	PaymentFirst bool
	// PersistAttempts bounds retries of the atomic booking+ledger write on
	// transient store errors. Defaults to 3.
	PersistAttempts int
	// PersistBackoff is the initial delay between persistence retries,
	// doubled per attempt. Defaults to 50ms.
	PersistBackoff time.Duration
}

// Coordinator drives verify -> normalize -> dedup -> apply -> persist for
// every event, serialized per booking.
type Coordinator struct {
	store      store.Store
	verifier   *webhooks.Verifier
	normalizer *events.Normalizer
	cfg        Config
	locks      *keyedMutex
	apiBase    map[string]string
	notifier   Notifier
}

func New(s store.Store, v *webhooks.Verifier, n *events.Normalizer, cfg Config) *Coordinator {
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 50 * time.Millisecond
	}
	return &Coordinator{
		store:      s,
		verifier:   v,
		normalizer: n,
		cfg:        cfg,
		locks:      newKeyedMutex(),
		apiBase:    map[string]string{},
	}
}

// SetNotifier installs the post-commit notification sink.
func (c *Coordinator) SetNotifier(n Notifier) { c.notifier = n }

// SetProviderAPIBase records the base URL used when queueing outbound calls
// toward a provider.
func (c *Coordinator) SetProviderAPIBase(provider, base string) {
	c.apiBase[provider] = base
}

// HandleWebhook runs the full inbound pipeline for one delivery. Signature
// and parse failures return before the event touches the ledger.
func (c *Coordinator) HandleWebhook(ctx context.Context, provider string, body []byte, sigHeader string) (Result, error) {
	if _, err := c.verifier.Verify(provider, body, sigHeader); err != nil {
		return Result{Outcome: OutcomeRejected, Detail: err.Error()}, err
	}
	evt, err := c.normalizer.Normalize(provider, body)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Detail: err.Error()}, err
	}
	return c.Process(ctx, evt)
}

// Process applies one normalized event. Redeliveries of a settled event
// return the recorded outcome without touching the booking; redeliveries of
// an unsettled event resume processing, which is safe because the booking
// write and the ledger settle commit together.
func (c *Coordinator) Process(ctx context.Context, evt model.NormalizedEvent) (Result, error) {
	unlock := c.locks.Lock(c.lockKey(evt))
	defer unlock()

	isNew, prior, err := c.store.RecordEventIfNew(ctx, evt.Provider, evt.EventID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: ledger: %v", ErrTransient, err)
	}
	if !isNew && prior.Outcome != model.OutcomeReceived {
		return Result{
			Outcome:   OutcomeDuplicate,
			BookingID: prior.BookingID,
			Detail:    string(prior.Outcome),
		}, nil
	}

	b, found, err := c.resolve(ctx, evt)
	if err != nil {
		return Result{}, fmt.Errorf("%w: resolve: %v", ErrTransient, err)
	}
	if !found {
		return c.handleUnmatched(ctx, evt)
	}

	b, res, err := c.apply(ctx, b, evt)
	if err != nil || res.Outcome != OutcomeApplied {
		return res, err
	}
	b = c.drainParked(ctx, b)
	res.Status = b.Status
	return res, nil
}

// Cancel raises a user cancellation against a booking. The synthetic event
// goes through the same ledger and state machine as webhook traffic.
func (c *Coordinator) Cancel(ctx context.Context, bookingID, actorID string) (Result, error) {
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	evt := model.NormalizedEvent{
		Provider:   internalProvider,
		EventID:    "cancel-" + uuid.NewString(),
		Type:       model.EventUserCancel,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
	}
	key := b.ExternalRef
	if key == "" {
		key = b.ID
	}
	unlock := c.locks.Lock(key)
	defer unlock()

	if _, _, err := c.store.RecordEventIfNew(ctx, evt.Provider, evt.EventID); err != nil {
		return Result{}, fmt.Errorf("%w: ledger: %v", ErrTransient, err)
	}
	// Re-read under the lock; a webhook may have moved the booking.
	b, err = c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	_, res, err := c.apply(ctx, b, evt)
	return res, err
}

func (c *Coordinator) lockKey(evt model.NormalizedEvent) string {
	if evt.ExternalRef != "" {
		return evt.ExternalRef
	}
	if evt.ScheduleRef != "" {
		return "sched:" + evt.ScheduleRef
	}
	return "pay:" + evt.PaymentRef
}

// resolve finds the booking an event belongs to, trying the marketplace ref
// first, then the provider-side refs.
func (c *Coordinator) resolve(ctx context.Context, evt model.NormalizedEvent) (model.Booking, bool, error) {
	lookups := []struct {
		ref  string
		find func(context.Context, string) (model.Booking, error)
	}{
		{evt.ExternalRef, c.store.FindBookingByExternalRef},
		{evt.ScheduleRef, c.store.FindBookingByScheduleRef},
		{evt.PaymentRef, c.store.FindBookingByPaymentRef},
	}
	for _, l := range lookups {
		if l.ref == "" {
			continue
		}
		b, err := l.find(ctx, l.ref)
		if err == nil {
			return b, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Booking{}, false, err
		}
	}
	return model.Booking{}, false, nil
}

// handleUnmatched decides what to do with an event whose correlation keys
// resolve to nothing: originate a booking, park, or reject.
func (c *Coordinator) handleUnmatched(ctx context.Context, evt model.NormalizedEvent) (Result, error) {
	if booking.CanOriginate(evt.Type, c.cfg.PaymentFirst) && evt.ExternalRef != "" {
		b, err := c.store.CreateBooking(ctx, model.Booking{
			ExternalRef: evt.ExternalRef,
			Status:      model.StatusCreated,
		})
		if err != nil {
			return Result{}, fmt.Errorf("%w: create booking: %v", ErrTransient, err)
		}
		b, res, err := c.apply(ctx, b, evt)
		if err != nil || res.Outcome != OutcomeApplied {
			return res, err
		}
		b = c.drainParked(ctx, b)
		res.Status = b.Status
		return res, nil
	}
	if evt.ExternalRef != "" && parkableAhead(evt.Type) {
		if err := c.store.ParkEvent(ctx, evt.ExternalRef, evt); err != nil {
			return Result{}, fmt.Errorf("%w: park: %v", ErrTransient, err)
		}
		c.finalize(ctx, evt, model.OutcomeParked, "", "booking not yet known")
		return Result{Outcome: OutcomeParked}, nil
	}
	c.finalize(ctx, evt, model.OutcomeRejected, "", ErrUnknownBooking.Error())
	return Result{Outcome: OutcomeRejected, Detail: ErrUnknownBooking.Error()}, ErrUnknownBooking
}

// parkableAhead reports whether an event type may wait for its booking to be
// created at all (as opposed to waiting for it to advance).
func parkableAhead(t model.EventType) bool {
	switch t {
	case model.EventPaymentInitiated, model.EventPaymentSucceeded,
		model.EventPaymentFailed, model.EventSchedulingRescheduled:
		return true
	}
	return false
}

// apply runs the state machine on b and commits the result together with the
// ledger settle. Callers hold the booking lock.
func (c *Coordinator) apply(ctx context.Context, b model.Booking, evt model.NormalizedEvent) (model.Booking, Result, error) {
	opts := booking.Options{
		MaxPaymentAttempts: c.cfg.MaxPaymentAttempts,
		PaymentFirst:       c.cfg.PaymentFirst,
	}

	for attempt := 0; ; attempt++ {
		nb, fx, err := booking.Apply(b, evt, opts)
		switch {
		case errors.Is(err, booking.ErrStaleEvent):
			c.finalize(ctx, evt, model.OutcomeIgnored, b.ID, err.Error())
			return b, Result{Outcome: OutcomeIgnored, BookingID: b.ID, Status: b.Status}, nil
		case errors.Is(err, booking.ErrInvalidTransition):
			if booking.Parkable(evt.Type, b.Status) && b.ExternalRef != "" {
				if perr := c.store.ParkEvent(ctx, b.ExternalRef, evt); perr != nil {
					return b, Result{}, fmt.Errorf("%w: park: %v", ErrTransient, perr)
				}
				c.finalize(ctx, evt, model.OutcomeParked, b.ID, "waiting for booking to advance")
				return b, Result{Outcome: OutcomeParked, BookingID: b.ID, Status: b.Status}, nil
			}
			c.finalize(ctx, evt, model.OutcomeRejected, b.ID, err.Error())
			return b, Result{Outcome: OutcomeRejected, BookingID: b.ID, Status: b.Status, Detail: err.Error()}, err
		case err != nil:
			c.finalize(ctx, evt, model.OutcomeRejected, b.ID, err.Error())
			return b, Result{Outcome: OutcomeRejected, BookingID: b.ID, Detail: err.Error()}, err
		}

		err = c.store.SaveBookingWithEvent(ctx, nb, b.Version, model.ProcessedEvent{
			Provider:  evt.Provider,
			EventID:   evt.EventID,
			Outcome:   model.OutcomeApplied,
			BookingID: nb.ID,
		})
		if err == nil {
			c.afterCommit(ctx, nb, evt, fx)
			return nb, Result{Outcome: OutcomeApplied, BookingID: nb.ID, Status: nb.Status}, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			// Another writer advanced the booking; re-read and re-apply.
			b, err = c.store.GetBooking(ctx, nb.ID)
			if err != nil {
				return b, Result{}, fmt.Errorf("%w: reread: %v", ErrTransient, err)
			}
			continue
		}
		if attempt+1 >= c.cfg.PersistAttempts {
			log.Printf("recon: persist exhausted for %s/%s: %v", evt.Provider, evt.EventID, err)
			return b, Result{}, fmt.Errorf("%w: persist: %v", ErrTransient, err)
		}
		select {
		case <-time.After(c.cfg.PersistBackoff << attempt):
		case <-ctx.Done():
			return b, Result{}, ctx.Err()
		}
	}
}

// afterCommit queues owed side effects and notifies listeners. All of it is
// idempotent: refund and release keys are derived from the booking id, and a
// redelivery that reaches this point enqueues nothing new.
func (c *Coordinator) afterCommit(ctx context.Context, b model.Booking, evt model.NormalizedEvent, fx booking.Effects) {
	if fx.RefundDue && b.PaymentRef != "" {
		payload, _ := json.Marshal(map[string]any{
			"paymentRef":  b.PaymentRef,
			"amountCents": b.AmountCents,
			"currency":    b.Currency,
			"bookingId":   b.ID,
		})
		_, err := c.store.EnqueueOutboundCall(ctx, model.OutboundCall{
			Provider:       b.PaymentProvider,
			Kind:           model.CallRefund,
			BookingID:      b.ID,
			IdempotencyKey: "refund-" + b.ID,
			URL:            c.apiBase[b.PaymentProvider] + "/v1/refunds",
			Payload:        payload,
		})
		if err != nil {
			log.Printf("recon: enqueue refund for booking %s: %v", b.ID, err)
		}
	}
	if fx.CancelScheduleDue && b.ScheduleRef != "" {
		_, err := c.store.EnqueueOutboundCall(ctx, model.OutboundCall{
			Provider:       b.ScheduleProvider,
			Kind:           model.CallCancelSchedule,
			BookingID:      b.ID,
			IdempotencyKey: "cancel-sched-" + b.ID,
			URL:            c.apiBase[b.ScheduleProvider] + "/v1/bookings/" + b.ScheduleRef + "/cancel",
		})
		if err != nil {
			log.Printf("recon: enqueue schedule release for booking %s: %v", b.ID, err)
		}
	}
	if c.notifier != nil {
		c.notifier.BookingChanged(b, evt.Type)
	}
	if fx.Finalize {
		c.maybeFinalize(ctx, b)
	}
}

// maybeFinalize promotes a PAID booking to CONFIRMED once both provider refs
// are present. The synthetic event id is derived from the booking so a
// redelivered payment success cannot finalize twice.
func (c *Coordinator) maybeFinalize(ctx context.Context, b model.Booking) {
	if b.Status != model.StatusPaid || b.ScheduleRef == "" || b.PaymentRef == "" {
		return
	}
	evt := model.NormalizedEvent{
		Provider:   internalProvider,
		EventID:    "finalize-" + b.ID,
		Type:       model.EventConfirmationFinalized,
		OccurredAt: time.Now().UTC(),
	}
	isNew, _, err := c.store.RecordEventIfNew(ctx, evt.Provider, evt.EventID)
	if err != nil || !isNew {
		return
	}
	if _, _, err := c.apply(ctx, b, evt); err != nil {
		log.Printf("recon: finalize booking %s: %v", b.ID, err)
	}
}

// drainParked replays buffered events for the booking's marketplace ref,
// oldest sequence first, until a pass makes no progress. Events that still
// cannot apply re-park themselves.
func (c *Coordinator) drainParked(ctx context.Context, b model.Booking) model.Booking {
	if b.ExternalRef == "" {
		return b
	}
	for {
		parked, err := c.store.TakeParkedEvents(ctx, b.ExternalRef)
		if err != nil {
			log.Printf("recon: take parked for %s: %v", b.ExternalRef, err)
			return b
		}
		if len(parked) == 0 {
			return b
		}
		progressed := false
		for _, evt := range parked {
			nb, res, err := c.apply(ctx, b, evt)
			if err != nil && res.Outcome != OutcomeRejected {
				// Transient failure mid-replay: put the event back so a
				// later drain can retry it.
				log.Printf("recon: replay parked %s/%s: %v", evt.Provider, evt.EventID, err)
				if perr := c.store.ParkEvent(ctx, b.ExternalRef, evt); perr != nil {
					log.Printf("recon: repark %s/%s: %v", evt.Provider, evt.EventID, perr)
				}
				continue
			}
			if res.Outcome == OutcomeApplied {
				b = nb
				progressed = true
			}
		}
		if !progressed {
			return b
		}
	}
}

// finalize settles a ledger entry for an event that did not commit a booking
// write. Settle failures are logged, not fatal: the entry stays 'received'
// and a redelivery will settle it.
func (c *Coordinator) finalize(ctx context.Context, evt model.NormalizedEvent, outcome model.EventOutcome, bookingID, detail string) {
	if err := c.store.FinalizeEvent(ctx, evt.Provider, evt.EventID, outcome, bookingID, detail); err != nil {
		log.Printf("recon: finalize ledger %s/%s: %v", evt.Provider, evt.EventID, err)
	}
}
