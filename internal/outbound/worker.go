// Package outbound delivers queued provider calls with retry, backoff, and
// credential failover, and sweeps expired idempotency ledger entries.
package outbound

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"bookrecon/internal/creds"
	"bookrecon/internal/metrics"
	"bookrecon/internal/store"
)

type Worker struct {
	Store       store.Store
	Creds       *creds.Manager
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
	// Retention bounds how long settled ledger entries are kept before
	// the periodic sweep purges them.
	Retention time.Duration
}

func NewWorker(s store.Store, cm *creds.Manager) *Worker {
	max := 10
	if v := os.Getenv("OUTBOUND_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			max = n
		}
	}
	retention := 72 * time.Hour
	if v := os.Getenv("EVENT_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			retention = d
		}
	}
	return &Worker{
		Store:       s,
		Creds:       cm,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Stop:        make(chan struct{}),
		MaxAttempts: max,
		Retention:   retention,
	}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		sweep := time.NewTicker(1 * time.Hour)
		defer sweep.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			case <-sweep.C:
				w.sweepLedger()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueOutboundCalls(ctx, 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		cred, err := w.Creds.Get(it.Provider)
		if err != nil {
			// No usable credential right now; push the call out without
			// burning an attempt.
			next := time.Now().Add(30 * time.Second)
			_ = w.Store.MarkOutboundCall(ctx, it.ID, false, &next, err.Error(), 0, 0)
			continue
		}

		success := false
		next := time.Now().Add(nextBackoff(it.Attempts))
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
		if it.IdempotencyKey != "" {
			req.Header.Set("Idempotency-Key", it.IdempotencyKey)
		}
		start := time.Now()
		resp, err := w.HTTP.Do(req)
		latency := int(time.Since(start).Milliseconds())
		code := 0
		if err == nil && resp != nil {
			code = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if code >= 200 && code < 300 {
				success = true
			}
		}

		switch {
		case success:
			w.Creds.ReportSuccess(cred.ID)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			w.Creds.ReportFailure(cred.ID, creds.FailureAuth)
		case code == http.StatusTooManyRequests:
			w.Creds.ReportFailure(cred.ID, creds.FailureRateLimit)
		default:
			w.Creds.ReportFailure(cred.ID, creds.FailureTransient)
		}

		status := "ok"
		lastErr := ""
		if !success {
			status = "retry"
			if err != nil {
				lastErr = err.Error()
			} else {
				lastErr = fmt.Sprintf("http %d", code)
			}
		}
		metrics.OutboundLatency.WithLabelValues(it.Provider, it.Kind).Observe(float64(latency))
		if !success && it.Attempts+1 >= w.MaxAttempts {
			metrics.OutboundCalls.WithLabelValues(it.Provider, it.Kind, "dead").Inc()
			log.Printf("outbound: call %s (%s %s) exhausted after %d attempts: %s", it.ID, it.Kind, it.Provider, it.Attempts+1, lastErr)
			_ = w.Store.FailOutboundCall(ctx, it.ID, lastErr, code, latency)
			continue
		}
		metrics.OutboundCalls.WithLabelValues(it.Provider, it.Kind, status).Inc()
		_ = w.Store.MarkOutboundCall(ctx, it.ID, success, &next, lastErr, code, latency)
	}
}

// sweepLedger purges settled idempotency entries older than the retention
// window. Providers do not redeliver past their own retry horizon, so the
// ledger does not need to remember forever.
func (w *Worker) sweepLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := w.Store.PurgeProcessedEventsBefore(ctx, time.Now().Add(-w.Retention))
	if err != nil {
		log.Printf("outbound: ledger sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("outbound: purged %d processed events past retention", n)
	}
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
