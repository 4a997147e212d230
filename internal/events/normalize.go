// Package events maps raw provider webhook payloads into the
// provider-agnostic internal event representation.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bookrecon/internal/model"
)

var (
	// ErrUnknownEventType marks payloads whose type the engine does not
	// process. Acknowledged without retry.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMalformedPayload marks payloads missing required fields.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownProvider marks calls for a provider never registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProviderKind selects the payload dialect a provider speaks.
type ProviderKind string

const (
	KindScheduling ProviderKind = "scheduling"
	KindPayment    ProviderKind = "payment"
)

// Normalizer translates per-provider payloads into model.NormalizedEvent.
type Normalizer struct {
	kinds map[string]ProviderKind
}

func NewNormalizer() *Normalizer {
	return &Normalizer{kinds: map[string]ProviderKind{}}
}

func (n *Normalizer) Register(provider string, kind ProviderKind) {
	n.kinds[provider] = kind
}

// Normalize parses body according to the provider's registered dialect.
func (n *Normalizer) Normalize(provider string, body []byte) (model.NormalizedEvent, error) {
	switch n.kinds[provider] {
	case KindScheduling:
		return normalizeScheduling(provider, body)
	case KindPayment:
		return normalizePayment(provider, body)
	default:
		return model.NormalizedEvent{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// schedulingPayload is the scheduling provider's wire shape:
//
//	{"id":"sevt_1","type":"booking.confirmed","sequence":1,"created_at":"...",
//	 "payload":{"booking_ref":"BK-1","event_ref":"sched_1",
//	            "start_time":"...","end_time":"...",
//	            "builder_id":"b1","client_id":"c1"}}
type schedulingPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Sequence  int    `json:"sequence"`
	CreatedAt string `json:"created_at"`
	Payload   struct {
		BookingRef string `json:"booking_ref"`
		EventRef   string `json:"event_ref"`
		StartTime  string `json:"start_time"`
		EndTime    string `json:"end_time"`
		BuilderID  string `json:"builder_id"`
		ClientID   string `json:"client_id"`
	} `json:"payload"`
}

var schedulingTypes = map[string]model.EventType{
	"booking.confirmed":   model.EventSchedulingConfirmed,
	"booking.canceled":    model.EventSchedulingCanceled,
	"booking.rescheduled": model.EventSchedulingRescheduled,
}

func normalizeScheduling(provider string, body []byte) (model.NormalizedEvent, error) {
	var p schedulingPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return model.NormalizedEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	t, ok := schedulingTypes[p.Type]
	if !ok {
		return model.NormalizedEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, p.Type)
	}
	if p.ID == "" {
		return model.NormalizedEvent{}, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	if p.Payload.BookingRef == "" && p.Payload.EventRef == "" {
		return model.NormalizedEvent{}, fmt.Errorf("%w: no correlation key", ErrMalformedPayload)
	}
	evt := model.NormalizedEvent{
		Provider:    provider,
		EventID:     p.ID,
		Type:        t,
		ExternalRef: p.Payload.BookingRef,
		ScheduleRef: p.Payload.EventRef,
		Seq:         p.Sequence,
		BuilderID:   p.Payload.BuilderID,
		ClientID:    p.Payload.ClientID,
		OccurredAt:  parseRFC3339(p.CreatedAt),
	}
	if ts := parseRFC3339(p.Payload.StartTime); !ts.IsZero() {
		evt.StartAt = &ts
	}
	if ts := parseRFC3339(p.Payload.EndTime); !ts.IsZero() {
		evt.EndAt = &ts
	}
	return evt, nil
}

// paymentPayload follows the common payment-gateway envelope: the event
// wraps a payment-intent object carrying amount, currency, and merchant
// metadata (where the marketplace stashes its booking reference).
type paymentPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   int64             `json:"amount"`
			Currency string            `json:"currency"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

var paymentTypes = map[string]model.EventType{
	"payment_intent.created":        model.EventPaymentInitiated,
	"payment_intent.succeeded":      model.EventPaymentSucceeded,
	"payment_intent.payment_failed": model.EventPaymentFailed,
	"charge.refunded":               model.EventPaymentRefunded,
}

func normalizePayment(provider string, body []byte) (model.NormalizedEvent, error) {
	var p paymentPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return model.NormalizedEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	t, ok := paymentTypes[p.Type]
	if !ok {
		return model.NormalizedEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, p.Type)
	}
	if p.ID == "" || p.Data.Object.ID == "" {
		return model.NormalizedEvent{}, fmt.Errorf("%w: missing event or intent id", ErrMalformedPayload)
	}
	seq := 0
	if s := p.Data.Object.Metadata["sequence"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			seq = n
		}
	}
	occurred := time.Time{}
	if p.Created > 0 {
		occurred = time.Unix(p.Created, 0).UTC()
	}
	return model.NormalizedEvent{
		Provider:    provider,
		EventID:     p.ID,
		Type:        t,
		ExternalRef: p.Data.Object.Metadata["booking_ref"],
		PaymentRef:  p.Data.Object.ID,
		Seq:         seq,
		AmountCents: p.Data.Object.Amount,
		Currency:    p.Data.Object.Currency,
		OccurredAt:  occurred,
	}, nil
}

func parseRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
