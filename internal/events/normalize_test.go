package events

import (
	"errors"
	"testing"

	"bookrecon/internal/model"
)

func newTestNormalizer() *Normalizer {
	n := NewNormalizer()
	n.Register("sched", KindScheduling)
	n.Register("pay", KindPayment)
	return n
}

func TestNormalizeScheduling(t *testing.T) {
	n := newTestNormalizer()
	body := []byte(`{"id":"sevt_1","type":"booking.confirmed","sequence":1,
		"created_at":"2026-03-01T10:00:00Z",
		"payload":{"booking_ref":"BK-1","event_ref":"sched_1",
		"start_time":"2026-03-02T09:00:00Z","end_time":"2026-03-02T10:00:00Z",
		"builder_id":"b1","client_id":"c1"}}`)
	evt, err := n.Normalize("sched", body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if evt.Type != model.EventSchedulingConfirmed || evt.EventID != "sevt_1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.ExternalRef != "BK-1" || evt.ScheduleRef != "sched_1" || evt.Seq != 1 {
		t.Fatalf("correlation mismatch: %+v", evt)
	}
	if evt.StartAt == nil || evt.EndAt == nil {
		t.Fatalf("time bounds not parsed: %+v", evt)
	}
}

func TestNormalizePayment(t *testing.T) {
	n := newTestNormalizer()
	body := []byte(`{"id":"pevt_1","type":"payment_intent.succeeded","created":1700000000,
		"data":{"object":{"id":"pi_1","amount":5000,"currency":"usd",
		"metadata":{"booking_ref":"BK-1","sequence":"3"}}}}`)
	evt, err := n.Normalize("pay", body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if evt.Type != model.EventPaymentSucceeded || evt.PaymentRef != "pi_1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.ExternalRef != "BK-1" || evt.Seq != 3 || evt.AmountCents != 5000 {
		t.Fatalf("fields mismatch: %+v", evt)
	}
}

func TestNormalizeUnknownType(t *testing.T) {
	n := newTestNormalizer()
	_, err := n.Normalize("pay", []byte(`{"id":"e","type":"customer.created","data":{"object":{"id":"x"}}}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("want ErrUnknownEventType, got %v", err)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	n := newTestNormalizer()
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"booking.confirmed","payload":{"booking_ref":"BK-1"}}`),                // no id
		[]byte(`{"id":"s1","type":"booking.confirmed","payload":{}}`),                         // no correlation key
		[]byte(`{"id":"p1","type":"payment_intent.succeeded","data":{"object":{"id":""}}}`),   // no intent id
	}
	for i, body := range cases {
		if _, err := n.Normalize("sched", body); err == nil && i < 3 {
			t.Fatalf("case %d: want error", i)
		}
	}
	if _, err := n.Normalize("pay", cases[3]); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("want ErrMalformedPayload, got %v", err)
	}
}

func TestNormalizeUnknownProvider(t *testing.T) {
	n := newTestNormalizer()
	if _, err := n.Normalize("other", []byte(`{}`)); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("want ErrUnknownProvider, got %v", err)
	}
}
