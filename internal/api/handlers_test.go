package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bookrecon/internal/model"
	"bookrecon/internal/webhooks"
)

const (
	testSchedSecret = "whsec_sched_test"
	testPaySecret   = "whsec_pay_test"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("AMQP_URL", "")
	t.Setenv("SCHED_WEBHOOK_SECRET", testSchedSecret)
	t.Setenv("PAY_WEBHOOK_SECRET", testPaySecret)
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func postWebhook(t *testing.T, s *Server, provider, secret string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/"+provider, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", webhooks.Sign(secret, time.Now(), body))
	s.WebhookHandler(rr, req)
	return rr
}

func schedBody(id, typ, ref, eventRef string, seq int) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"sequence":%d,"created_at":"2026-08-24T10:00:00Z","payload":{"booking_ref":%q,"event_ref":%q}}`, id, typ, seq, ref, eventRef))
}

func payBody(id, typ, ref, intentID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":1756029600,"data":{"object":{"id":%q,"amount":15000,"currency":"usd","metadata":{"booking_ref":%q}}}}`, id, typ, intentID, ref))
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestWebhookFlowToConfirmed(t *testing.T) {
	s := newTestServer(t)

	rr := postWebhook(t, s, "sched", testSchedSecret, schedBody("se1", "booking.confirmed", "BK-1", "sched_1", 1))
	if rr.Code != 200 {
		t.Fatalf("scheduling webhook: %d %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Outcome   string `json:"outcome"`
		BookingID string `json:"bookingId"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || res.Outcome != "applied" {
		t.Fatalf("result = %s err = %v", rr.Body.String(), err)
	}

	if rr = postWebhook(t, s, "pay", testPaySecret, payBody("pe1", "payment_intent.created", "BK-1", "pi_1")); rr.Code != 200 {
		t.Fatalf("payment created: %d %s", rr.Code, rr.Body.String())
	}
	if rr = postWebhook(t, s, "pay", testPaySecret, payBody("pe2", "payment_intent.succeeded", "BK-1", "pi_1")); rr.Code != 200 {
		t.Fatalf("payment succeeded: %d %s", rr.Code, rr.Body.String())
	}

	// Redelivery acknowledges without reapplying.
	rr = postWebhook(t, s, "pay", testPaySecret, payBody("pe2", "payment_intent.succeeded", "BK-1", "pi_1"))
	if rr.Code != 200 || !bytes.Contains(rr.Body.Bytes(), []byte("duplicate")) {
		t.Fatalf("redelivery: %d %s", rr.Code, rr.Body.String())
	}

	grr := httptest.NewRecorder()
	s.BookingByIDHandler(grr, httptest.NewRequest(http.MethodGet, "/v1/bookings/"+res.BookingID, nil))
	if grr.Code != 200 {
		t.Fatalf("get booking: %d", grr.Code)
	}
	var b model.Booking
	_ = json.Unmarshal(grr.Body.Bytes(), &b)
	if b.Status != model.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", b.Status)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	s := newTestServer(t)
	body := schedBody("se1", "booking.confirmed", "BK-1", "sched_1", 1)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sched", bytes.NewReader(body))
	req.Header.Set("X-Signature", webhooks.Sign("wrong-secret", time.Now(), body))
	s.WebhookHandler(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("forged webhook: %d", rr.Code)
	}
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	s := newTestServer(t)
	body := schedBody("se1", "booking.mystery", "BK-1", "sched_1", 1)
	rr := postWebhook(t, s, "sched", testSchedSecret, body)
	if rr.Code != 200 || !bytes.Contains(rr.Body.Bytes(), []byte("ignored")) {
		t.Fatalf("unknown type: %d %s", rr.Code, rr.Body.String())
	}
}

func TestBookingCreateAndCancel(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"externalRef":"BK-9","amountCents":5000,"currency":"usd","builderId":"b1","clientId":"c1"}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.BookingsHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	var b model.Booking
	_ = json.Unmarshal(rr.Body.Bytes(), &b)

	// Duplicate ref conflicts.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewReader(body))
	s.BookingsHandler(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate create: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/bookings/"+b.ID+"/cancel", nil)
	req.Header.Set("X-User-Id", "user_1")
	s.BookingByIDHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("cancel: %d %s", rr.Code, rr.Body.String())
	}

	// Cancelling again conflicts.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/bookings/"+b.ID+"/cancel", nil)
	s.BookingByIDHandler(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", rr.Code)
	}
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.OutboundCallsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/outbound-calls", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("without role: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/outbound-calls", nil)
	req.Header.Set("X-Role", "admin")
	s.OutboundCallsHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("with role: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/processed-events", nil)
	req.Header.Set("X-Role", "admin")
	s.ProcessedEventsHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("processed events: %d", rr.Code)
	}
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
	mu   sync.Mutex
	hdr  http.Header
	buf  bytes.Buffer
	code int
}

func (r *sseRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}
func (r *sseRecorder) WriteHeader(c int) { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}
func (r *sseRecorder) Flush() {}
func (r *sseRecorder) contains(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Contains(r.buf.Bytes(), []byte(s))
}

func TestBookingEventsSSE(t *testing.T) {
	s := newTestServer(t)
	b, err := s.Store.CreateBooking(context.Background(), model.Booking{ExternalRef: "BK-1"})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	sseReq := httptest.NewRequest(http.MethodGet, "/v1/bookings/"+b.ID+"/events/stream", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sseReq = sseReq.WithContext(ctx)

	rec := &sseRecorder{}
	done := make(chan struct{})
	go func() {
		s.BookingByIDHandler(rec, sseReq)
		close(done)
	}()

	// Give the handler time to subscribe and send its heartbeat.
	time.Sleep(50 * time.Millisecond)
	s.Broker.Publish(b.ID, StreamEvent{Type: "booking.state.changed", Data: map[string]any{"bookingId": b.ID, "status": "scheduled"}})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if rec.contains("event: booking.state.changed") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !rec.contains("event: booking.state.changed") {
		t.Fatalf("SSE did not contain expected event")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("handler did not exit after cancel")
	}
}
