package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookrecon/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set and by the
// unit tests. All methods take one mutex; granularity is not a concern at
// test scale.
type Memory struct {
	mu       sync.Mutex
	bookings map[string]model.Booking
	order    []string // booking ids in creation order, for stable listing
	events   map[string]model.ProcessedEvent
	parked   map[string][]model.NormalizedEvent
	calls    map[string]*memCall
	callIDs  []string
	dlq      []map[string]any
	seenKeys map[string]string // idempotency key -> call id
}

type memCall struct {
	model.OutboundCall
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

func NewMemory() *Memory {
	return &Memory{
		bookings: map[string]model.Booking{},
		events:   map[string]model.ProcessedEvent{},
		parked:   map[string][]model.NormalizedEvent{},
		calls:    map[string]*memCall{},
		dlq:      []map[string]any{},
		seenKeys: map[string]string{},
	}
}

func eventKey(provider, eventID string) string { return provider + "|" + eventID }

func (m *Memory) CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = model.StatusCreated
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	m.bookings[b.ID] = b
	m.order = append(m.order, b.ID)
	return b, nil
}

func (m *Memory) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return model.Booking{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) findBooking(match func(model.Booking) bool) (model.Booking, error) {
	for _, id := range m.order {
		if b := m.bookings[id]; match(b) {
			return b, nil
		}
	}
	return model.Booking{}, ErrNotFound
}

func (m *Memory) FindBookingByExternalRef(ctx context.Context, ref string) (model.Booking, error) {
	if ref == "" {
		return model.Booking{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findBooking(func(b model.Booking) bool { return b.ExternalRef == ref })
}

func (m *Memory) FindBookingByScheduleRef(ctx context.Context, ref string) (model.Booking, error) {
	if ref == "" {
		return model.Booking{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findBooking(func(b model.Booking) bool { return b.ScheduleRef == ref })
}

func (m *Memory) FindBookingByPaymentRef(ctx context.Context, ref string) (model.Booking, error) {
	if ref == "" {
		return model.Booking{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findBooking(func(b model.Booking) bool { return b.PaymentRef == ref })
}

func (m *Memory) ListBookings(ctx context.Context, status, cursor string, limit int) ([]model.Booking, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.order {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.Booking{}
	var last string
	for i := start; i < len(m.order) && len(out) < limit; i++ {
		b := m.bookings[m.order[i]]
		if status != "" && string(b.Status) != status {
			continue
		}
		out = append(out, b)
		last = b.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (m *Memory) SaveBookingWithEvent(ctx context.Context, b model.Booking, expectedVersion int, evt model.ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	b.CreatedAt = cur.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	m.bookings[b.ID] = b
	if evt.EventID != "" {
		evt.RecordedAt = time.Now().UTC()
		m.events[eventKey(evt.Provider, evt.EventID)] = evt
	}
	return nil
}

func (m *Memory) RecordEventIfNew(ctx context.Context, provider, eventID string) (bool, model.ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey(provider, eventID)
	if prior, ok := m.events[k]; ok {
		return false, prior, nil
	}
	e := model.ProcessedEvent{Provider: provider, EventID: eventID, Outcome: model.OutcomeReceived, RecordedAt: time.Now().UTC()}
	m.events[k] = e
	return true, model.ProcessedEvent{}, nil
}

func (m *Memory) FinalizeEvent(ctx context.Context, provider, eventID string, outcome model.EventOutcome, bookingID, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey(provider, eventID)
	e, ok := m.events[k]
	if !ok {
		return ErrNotFound
	}
	e.Outcome = outcome
	e.BookingID = bookingID
	e.Detail = detail
	m.events[k] = e
	return nil
}

func (m *Memory) ListProcessedEvents(ctx context.Context, provider, cursor string, limit int) ([]model.ProcessedEvent, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	keys := make([]string, 0, len(m.events))
	for k := range m.events {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := []model.ProcessedEvent{}
	var last string
	for _, k := range keys {
		if cursor != "" && k <= cursor {
			continue
		}
		e := m.events[k]
		if provider != "" && e.Provider != provider {
			continue
		}
		out = append(out, e)
		last = k
		if len(out) >= limit {
			break
		}
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (m *Memory) PurgeProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.events {
		if e.RecordedAt.Before(cutoff) {
			delete(m.events, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ParkEvent(ctx context.Context, externalRef string, evt model.NormalizedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := append(m.parked[externalRef], evt)
	if len(buf) > maxParkedPerRef {
		sort.SliceStable(buf, func(i, j int) bool { return buf[i].Seq < buf[j].Seq })
		buf = buf[len(buf)-maxParkedPerRef:]
	}
	m.parked[externalRef] = buf
	return nil
}

func (m *Memory) TakeParkedEvents(ctx context.Context, externalRef string) ([]model.NormalizedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evts := m.parked[externalRef]
	if len(evts) == 0 {
		return nil, nil
	}
	delete(m.parked, externalRef)
	sort.SliceStable(evts, func(i, j int) bool { return evts[i].Seq < evts[j].Seq })
	return evts, nil
}

func (m *Memory) EnqueueOutboundCall(ctx context.Context, call model.OutboundCall) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call.IdempotencyKey != "" {
		if id, ok := m.seenKeys[call.IdempotencyKey]; ok {
			return id, nil
		}
	}
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	call.Status = "pending"
	m.calls[call.ID] = &memCall{OutboundCall: call, NextAttemptAt: time.Now(), CreatedAt: time.Now()}
	m.callIDs = append(m.callIDs, call.ID)
	if call.IdempotencyKey != "" {
		m.seenKeys[call.IdempotencyKey] = call.ID
	}
	return call.ID, nil
}

func (m *Memory) FetchDueOutboundCalls(ctx context.Context, limit int) ([]model.OutboundCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := time.Now()
	out := []model.OutboundCall{}
	for _, id := range m.callIDs {
		c := m.calls[id]
		if c == nil {
			continue
		}
		if (c.Status == "pending" || c.Status == "retry") && !c.NextAttemptAt.After(now) {
			out = append(out, c.OutboundCall)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkOutboundCall(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.ResponseCode = responseCode
	c.LatencyMs = latencyMs
	if success {
		c.Status = "done"
		return nil
	}
	c.Attempts++
	c.Status = "retry"
	c.LastError = lastError
	if nextAttemptAt != nil {
		c.NextAttemptAt = *nextAttemptAt
	} else {
		c.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailOutboundCall(ctx context.Context, id, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = "failed"
	c.Attempts++
	c.LastError = lastError
	c.ResponseCode = responseCode
	c.LatencyMs = latencyMs
	m.dlq = append(m.dlq, map[string]any{
		"id":        uuid.New().String(),
		"callId":    c.ID,
		"provider":  c.Provider,
		"kind":      c.Kind,
		"bookingId": c.BookingID,
		"url":       c.URL,
		"payload":   c.Payload,
		"attempts":  c.Attempts,
		"lastError": lastError,
		"createdAt": time.Now().UTC(),
	})
	return nil
}

func (m *Memory) ListOutboundCalls(ctx context.Context, status, cursor string, limit int) ([]model.OutboundCall, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.callIDs {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.OutboundCall{}
	var last string
	for i := start; i < len(m.callIDs) && len(out) < limit; i++ {
		c := m.calls[m.callIDs[i]]
		if c == nil {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c.OutboundCall)
		last = c.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (m *Memory) RetryOutboundCall(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = "retry"
	c.NextAttemptAt = time.Now()
	return nil
}

func (m *Memory) ListOutboundDLQ(ctx context.Context, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, e := range m.dlq {
			if e["id"] == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []map[string]any{}
	var last string
	for i := start; i < len(m.dlq) && len(out) < limit; i++ {
		out = append(out, m.dlq[i])
		last, _ = m.dlq[i]["id"].(string)
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (m *Memory) RequeueOutboundDLQ(ctx context.Context, id string) error {
	m.mu.Lock()
	for i, e := range m.dlq {
		if e["id"] == id {
			m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
			callID, _ := e["callId"].(string)
			m.mu.Unlock()
			if callID != "" {
				return m.RetryOutboundCall(ctx, callID)
			}
			return nil
		}
	}
	m.mu.Unlock()
	return ErrNotFound
}
