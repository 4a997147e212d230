package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bookrecon/internal/booking"
	"bookrecon/internal/events"
	"bookrecon/internal/metrics"
	"bookrecon/internal/model"
	"bookrecon/internal/recon"
	"bookrecon/internal/store"
	"bookrecon/internal/webhooks"
)

// maxWebhookBody bounds inbound payload size; providers send kilobytes.
const maxWebhookBody = 1 << 20

// WebhookHandler handles POST /v1/webhooks/{provider}. The raw body is read
// before any parsing because the signature covers the exact bytes sent.
func (s *Server) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	provider := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	if provider == "" || strings.Contains(provider, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing provider", r.URL.Path)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Read failed", err.Error(), r.URL.Path)
		return
	}

	start := time.Now()
	res, err := s.Recon.HandleWebhook(r.Context(), provider, body, r.Header.Get("X-Signature"))
	metrics.ProcessingDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	outcome := string(res.Outcome)
	if outcome == "" {
		outcome = "error"
	}
	metrics.WebhookEvents.WithLabelValues(provider, outcome).Inc()

	if err != nil {
		switch {
		case errors.Is(err, webhooks.ErrBadSignature),
			errors.Is(err, webhooks.ErrStaleTimestamp),
			errors.Is(err, webhooks.ErrMalformedHeader):
			writeProblem(w, http.StatusUnauthorized, "Signature verification failed", err.Error(), r.URL.Path)
		case errors.Is(err, events.ErrUnknownEventType):
			// Acknowledged so the provider stops redelivering a type the
			// engine will never process.
			writeJSON(w, http.StatusOK, recon.Result{Outcome: recon.OutcomeIgnored, Detail: err.Error()})
		case errors.Is(err, events.ErrMalformedPayload), errors.Is(err, events.ErrUnknownProvider):
			writeProblem(w, http.StatusBadRequest, "Invalid payload", err.Error(), r.URL.Path)
		case errors.Is(err, recon.ErrUnknownBooking):
			writeProblem(w, http.StatusBadRequest, "Unknown booking", err.Error(), r.URL.Path)
		case errors.Is(err, booking.ErrInvalidTransition):
			writeProblem(w, http.StatusConflict, "Invalid transition", err.Error(), r.URL.Path)
		case errors.Is(err, recon.ErrTransient):
			writeProblem(w, http.StatusServiceUnavailable, "Temporarily unavailable", err.Error(), r.URL.Path)
		default:
			writeProblem(w, http.StatusInternalServerError, "Webhook processing failed", err.Error(), r.URL.Path)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BookingsHandler handles GET/POST /v1/bookings
func (s *Server) BookingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/bookings" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListBookings(r.Context(), status, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List bookings failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	case http.MethodPost:
		var req struct {
			ExternalRef string     `json:"externalRef"`
			AmountCents int64      `json:"amountCents"`
			Currency    string     `json:"currency"`
			BuilderID   string     `json:"builderId"`
			ClientID    string     `json:"clientId"`
			StartAt     *time.Time `json:"startAt"`
			EndAt       *time.Time `json:"endAt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.ExternalRef == "" {
			writeProblem(w, http.StatusBadRequest, "Missing externalRef", "", r.URL.Path)
			return
		}
		if _, err := s.Store.FindBookingByExternalRef(r.Context(), req.ExternalRef); err == nil {
			writeProblem(w, http.StatusConflict, "Booking exists", "externalRef already registered", r.URL.Path)
			return
		}
		b, err := s.Store.CreateBooking(r.Context(), model.Booking{
			ExternalRef: req.ExternalRef,
			Status:      model.StatusCreated,
			AmountCents: req.AmountCents,
			Currency:    req.Currency,
			BuilderID:   req.BuilderID,
			ClientID:    req.ClientID,
			StartAt:     req.StartAt,
			EndAt:       req.EndAt,
		})
		if err != nil {
			writeProblem(w, 500, "Create booking failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, b)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// BookingByIDHandler handles GET /v1/bookings/{id}, POST /v1/bookings/{id}/cancel,
// and GET /v1/bookings/{id}/events/stream (SSE).
func (s *Server) BookingByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/bookings/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
		s.streamBookingEvents(w, r, id)
		return
	}
	if len(parts) > 1 && parts[1] == "cancel" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		pr := s.getPrincipal(r)
		res, err := s.Recon.Cancel(r.Context(), id, pr.UserID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeProblem(w, http.StatusNotFound, "Booking not found", err.Error(), r.URL.Path)
			case errors.Is(err, booking.ErrInvalidTransition):
				writeProblem(w, http.StatusConflict, "Cannot cancel", err.Error(), r.URL.Path)
			case errors.Is(err, recon.ErrTransient):
				writeProblem(w, http.StatusServiceUnavailable, "Temporarily unavailable", err.Error(), r.URL.Path)
			default:
				writeProblem(w, 500, "Cancel failed", err.Error(), r.URL.Path)
			}
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b, err := s.Store.GetBooking(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Booking not found", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) streamBookingEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.Store.GetBooking(r.Context(), id); err != nil {
		writeProblem(w, http.StatusNotFound, "Booking not found", err.Error(), r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)
	// initial heartbeat
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"bookingId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"bookingId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	if pg, ok := s.Store.(*store.Postgres); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

// Admin: outbound calls list and retry
func (s *Server) OutboundCallsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/outbound-calls" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListOutboundCalls(r.Context(), status, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List calls failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) OutboundCallRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/outbound-calls/") || !strings.HasSuffix(r.URL.Path, "/retry") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/outbound-calls/"), "/retry")
	if err := s.Store.RetryOutboundCall(r.Context(), id); err != nil {
		writeProblem(w, 500, "Retry call failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Admin: outbound DLQ list and requeue
func (s *Server) OutboundDLQHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.URL.Path == "/v1/admin/outbound-dlq" && r.Method == http.MethodGet {
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListOutboundDLQ(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List DLQ failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/admin/outbound-dlq/") && strings.HasSuffix(r.URL.Path, "/requeue") && r.Method == http.MethodPost {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/outbound-dlq/"), "/requeue")
		if err := s.Store.RequeueOutboundDLQ(r.Context(), id); err != nil {
			writeProblem(w, 500, "Requeue failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 202, map[string]int{"accepted": 1})
		return
	}
	writeProblem(w, 404, "Not Found", "", r.URL.Path)
}

// Admin: processed event ledger
func (s *Server) ProcessedEventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/processed-events" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	provider := r.URL.Query().Get("provider")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListProcessedEvents(r.Context(), provider, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List events failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// Admin: credential health and manual restore
func (s *Server) CredentialsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.URL.Path == "/v1/admin/credentials" && r.Method == http.MethodGet {
		writeJSON(w, 200, map[string]any{"items": s.Creds.Snapshot()})
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/admin/credentials/") && strings.HasSuffix(r.URL.Path, "/restore") && r.Method == http.MethodPost {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/credentials/"), "/restore")
		if !s.Creds.Restore(id) {
			writeProblem(w, 404, "Credential not found", "", r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "active"})
		return
	}
	writeProblem(w, 404, "Not Found", "", r.URL.Path)
}
