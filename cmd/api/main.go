package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookrecon/internal/api"
	"bookrecon/internal/metrics"
)

func main() {
	// Local development convenience; ignored when the file is absent.
	_ = godotenv.Load()

	srvDeps, err := api.NewServer()
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Provider webhooks
	mux.HandleFunc("/v1/webhooks/", srvDeps.WebhookHandler)

	// Bookings
	mux.HandleFunc("/v1/bookings", srvDeps.BookingsHandler)
	mux.HandleFunc("/v1/bookings/events/ws", srvDeps.BookingEventsWSHandler)
	mux.HandleFunc("/v1/bookings/", srvDeps.BookingByIDHandler) // includes /cancel, /events/stream

	// Health
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
	mux.HandleFunc("/debugz", srvDeps.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// Admin
	mux.HandleFunc("/v1/admin/outbound-calls", srvDeps.OutboundCallsHandler)
	mux.HandleFunc("/v1/admin/outbound-calls/", srvDeps.OutboundCallRetryHandler)
	mux.HandleFunc("/v1/admin/outbound-dlq", srvDeps.OutboundDLQHandler)
	mux.HandleFunc("/v1/admin/outbound-dlq/", srvDeps.OutboundDLQHandler)
	mux.HandleFunc("/v1/admin/processed-events", srvDeps.ProcessedEventsHandler)
	mux.HandleFunc("/v1/admin/credentials", srvDeps.CredentialsHandler)
	mux.HandleFunc("/v1/admin/credentials/", srvDeps.CredentialsHandler)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(metricsMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on %s", addr)
	// Start outbound delivery worker
	worker := srvDeps.NewOutboundWorker()
	worker.Start()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(c int) {
	w.code = c
	w.ResponseWriter.WriteHeader(c)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		path := metricPath(r.URL.Path)
		code := strconv.Itoa(sw.code)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

// metricPath collapses ids so the path label stays low-cardinality.
func metricPath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
