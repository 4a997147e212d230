package webhooks

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestVerifier(now time.Time) *Verifier {
	v := NewVerifier()
	v.now = func() time.Time { return now }
	v.Register("pay", "whsec_test", 5*time.Minute)
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	header := Sign("whsec_test", now, body)
	signedAt, err := v.Verify("pay", body, header)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !signedAt.Equal(now) {
		t.Fatalf("signedAt = %v, want %v", signedAt, now)
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)
	body := []byte(`{"id":"evt_1","amount":5000}`)
	header := Sign("whsec_test", now, body)
	tampered := []byte(`{"id":"evt_1","amount":9000}`)
	if _, err := v.Verify("pay", tampered, header); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
}

func TestVerifyExpiredTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)
	body := []byte(`{}`)
	old := now.Add(-6 * time.Minute)
	if _, err := v.Verify("pay", body, Sign("whsec_test", old, body)); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("want ErrStaleTimestamp, got %v", err)
	}
	// Future-dated beyond tolerance is rejected the same way.
	future := now.Add(6 * time.Minute)
	if _, err := v.Verify("pay", body, Sign("whsec_test", future, body)); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("want ErrStaleTimestamp for future ts, got %v", err)
	}
}

func TestVerifyMalformedHeader(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)
	for _, h := range []string{"", "t=abc,v1=00", "v1=00", "t=1700000000"} {
		if _, err := v.Verify("pay", []byte(`{}`), h); !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("header %q: want ErrMalformedHeader, got %v", h, err)
		}
	}
}

func TestVerifyUnknownProvider(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)
	_, err := v.Verify("nope", []byte(`{}`), Sign("whsec_test", now, []byte(`{}`)))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
}

func TestSignFormat(t *testing.T) {
	h := Sign("s", time.Unix(42, 0), []byte("x"))
	if !strings.HasPrefix(h, "t=42,v1=") {
		t.Fatalf("unexpected header format: %s", h)
	}
}
