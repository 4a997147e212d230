package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bookrecon/internal/model"
)

func TestRecordEventIfNewFirstWriterWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	isNew, _, err := m.RecordEventIfNew(ctx, "pay", "evt_1")
	if err != nil || !isNew {
		t.Fatalf("first record: isNew=%v err=%v", isNew, err)
	}
	if err := m.FinalizeEvent(ctx, "pay", "evt_1", model.OutcomeApplied, "b1", ""); err != nil {
		t.Fatalf("FinalizeEvent: %v", err)
	}
	isNew, prior, err := m.RecordEventIfNew(ctx, "pay", "evt_1")
	if err != nil || isNew {
		t.Fatalf("second record: isNew=%v err=%v", isNew, err)
	}
	if prior.Outcome != model.OutcomeApplied || prior.BookingID != "b1" {
		t.Fatalf("prior = %+v", prior)
	}
}

func TestRecordEventIfNewConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	newCount := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, _, err := m.RecordEventIfNew(ctx, "sched", "evt_x")
			if err != nil {
				t.Errorf("RecordEventIfNew: %v", err)
				return
			}
			if isNew {
				mu.Lock()
				newCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if newCount != 1 {
		t.Fatalf("want exactly one winner, got %d", newCount)
	}
}

func TestSaveBookingWithEventVersionGuard(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, model.Booking{ExternalRef: "BK-1"})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	b.Status = model.StatusScheduled
	b.Version = 1
	if err := m.SaveBookingWithEvent(ctx, b, 0, model.ProcessedEvent{Provider: "sched", EventID: "e1", Outcome: model.OutcomeApplied, BookingID: b.ID}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A second writer holding the stale version must conflict.
	b2 := b
	b2.Version = 1
	if err := m.SaveBookingWithEvent(ctx, b2, 0, model.ProcessedEvent{}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
	got, _ := m.GetBooking(ctx, b.ID)
	if got.Version != 1 || got.Status != model.StatusScheduled {
		t.Fatalf("booking = %+v", got)
	}
}

func TestParkedEventsOrderedBySeq(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.ParkEvent(ctx, "BK-1", model.NormalizedEvent{EventID: "e3", Seq: 3})
	_ = m.ParkEvent(ctx, "BK-1", model.NormalizedEvent{EventID: "e2", Seq: 2})
	evts, err := m.TakeParkedEvents(ctx, "BK-1")
	if err != nil {
		t.Fatalf("TakeParkedEvents: %v", err)
	}
	if len(evts) != 2 || evts[0].Seq != 2 || evts[1].Seq != 3 {
		t.Fatalf("parked events out of order: %+v", evts)
	}
	// Taking drains the buffer.
	evts, _ = m.TakeParkedEvents(ctx, "BK-1")
	if len(evts) != 0 {
		t.Fatalf("buffer not drained: %+v", evts)
	}
}

func TestEnqueueOutboundCallIdempotencyKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id1, err := m.EnqueueOutboundCall(ctx, model.OutboundCall{Provider: "pay", Kind: model.CallRefund, IdempotencyKey: "refund-b1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := m.EnqueueOutboundCall(ctx, model.OutboundCall{Provider: "pay", Kind: model.CallRefund, IdempotencyKey: "refund-b1"})
	if err != nil {
		t.Fatalf("enqueue dup: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate key produced a second call: %s vs %s", id1, id2)
	}
	due, _ := m.FetchDueOutboundCalls(ctx, 10)
	if len(due) != 1 {
		t.Fatalf("want 1 due call, got %d", len(due))
	}
}

func TestFailOutboundCallMovesToDLQ(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.EnqueueOutboundCall(ctx, model.OutboundCall{Provider: "pay", Kind: model.CallRefund, URL: "http://x"})
	if err := m.FailOutboundCall(ctx, id, "boom", 500, 12); err != nil {
		t.Fatalf("FailOutboundCall: %v", err)
	}
	dlq, _, err := m.ListOutboundDLQ(ctx, "", 10)
	if err != nil || len(dlq) != 1 {
		t.Fatalf("dlq = %v err = %v", dlq, err)
	}
	dlqID, _ := dlq[0]["id"].(string)
	if err := m.RequeueOutboundDLQ(ctx, dlqID); err != nil {
		t.Fatalf("RequeueOutboundDLQ: %v", err)
	}
	due, _ := m.FetchDueOutboundCalls(ctx, 10)
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("requeued call not due: %+v", due)
	}
}

func TestPurgeProcessedEventsBefore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, _, _ = m.RecordEventIfNew(ctx, "pay", "old")
	n, err := m.PurgeProcessedEventsBefore(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	isNew, _, _ := m.RecordEventIfNew(ctx, "pay", "old")
	if !isNew {
		t.Fatalf("purged event should be re-recordable")
	}
}
