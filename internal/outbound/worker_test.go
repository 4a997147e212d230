package outbound

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bookrecon/internal/creds"
	"bookrecon/internal/model"
	"bookrecon/internal/store"
)

func newTestWorker(srv *httptest.Server, maxAttempts int) (*Worker, *store.Memory, *creds.Manager) {
	m := store.NewMemory()
	cm := creds.NewManager(time.Minute)
	cm.Add(model.Credential{ID: "c1", Provider: "pay", Secret: "sk_live_1"}, 0, 0)
	w := &Worker{Store: m, Creds: cm, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: maxAttempts, Retention: time.Hour}
	return w, m, cm
}

func TestWorkerProcessOnce_SuccessSendsAuthAndIdempotencyKey(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	w, m, _ := newTestWorker(srv, 3)
	id, err := m.EnqueueOutboundCall(context.Background(), model.OutboundCall{
		Provider: "pay", Kind: model.CallRefund, BookingID: "b1",
		IdempotencyKey: "refund-b1", URL: srv.URL, Payload: []byte(`{"paymentRef":"pi_1"}`),
	})
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotAuth != "Bearer sk_live_1" || gotKey != "refund-b1" {
		t.Fatalf("missing auth/idempotency headers: auth=%q key=%q", gotAuth, gotKey)
	}
	due, _ := m.FetchDueOutboundCalls(context.Background(), 10)
	if len(due) != 0 {
		t.Fatalf("delivered call still due: %+v", due)
	}
}

func TestWorkerProcessOnce_ExhaustedMovesToDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	w, m, _ := newTestWorker(srv, 1)
	_, _ = m.EnqueueOutboundCall(context.Background(), model.OutboundCall{Provider: "pay", Kind: model.CallRefund, URL: srv.URL})

	w.processOnce()

	dlq, _, err := m.ListOutboundDLQ(context.Background(), "", 10)
	if err != nil || len(dlq) != 1 {
		t.Fatalf("dlq = %v err = %v", dlq, err)
	}
}

func TestWorkerProcessOnce_AuthFailureMarksCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(401) }))
	defer srv.Close()
	w, m, cm := newTestWorker(srv, 5)
	_, _ = m.EnqueueOutboundCall(context.Background(), model.OutboundCall{Provider: "pay", Kind: model.CallRefund, URL: srv.URL})

	w.processOnce()

	snap := cm.Snapshot()
	if len(snap) != 1 || snap[0].Status != model.CredentialInvalid {
		t.Fatalf("credential after 401 = %+v", snap)
	}
	// With the only credential dead, the next pass defers the call
	// instead of burning attempts.
	w.processOnce()
	calls, _, _ := m.ListOutboundCalls(context.Background(), "", "", 10)
	if len(calls) != 1 || calls[0].Attempts != 1 {
		t.Fatalf("calls = %+v, want one attempt recorded", calls)
	}
}

func TestWorkerProcessOnce_RateLimitFailsOver(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		if len(auths) == 1 {
			w.WriteHeader(429)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	w, m, cm := newTestWorker(srv, 5)
	cm.Add(model.Credential{ID: "c2", Provider: "pay", Secret: "sk_live_2"}, 0, 0)
	_, _ = m.EnqueueOutboundCall(context.Background(), model.OutboundCall{Provider: "pay", Kind: model.CallRefund, URL: srv.URL})

	w.processOnce()
	// First attempt hit the limit; retry the call immediately with the
	// second credential.
	_ = m.RetryOutboundCall(context.Background(), mustOnlyCallID(t, m))
	w.processOnce()

	if len(auths) != 2 || auths[0] == auths[1] {
		t.Fatalf("expected failover to a second credential, got %v", auths)
	}
}

func mustOnlyCallID(t *testing.T, m *store.Memory) string {
	t.Helper()
	calls, _, err := m.ListOutboundCalls(context.Background(), "", "", 10)
	if err != nil || len(calls) != 1 {
		t.Fatalf("calls = %+v err = %v", calls, err)
	}
	return calls[0].ID
}

func TestNextBackoffCapped(t *testing.T) {
	if nextBackoff(0) != time.Second {
		t.Fatalf("backoff(0) = %v", nextBackoff(0))
	}
	if nextBackoff(3) != 8*time.Second {
		t.Fatalf("backoff(3) = %v", nextBackoff(3))
	}
	if nextBackoff(20) != time.Hour {
		t.Fatalf("backoff(20) = %v", nextBackoff(20))
	}
}
