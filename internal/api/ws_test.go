package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bookrecon/internal/model"
)

func TestBookingEventsWSConcurrentWrites(t *testing.T) {
	s := newTestServer(t)
	b, err := s.Store.CreateBooking(context.Background(), model.Booking{ExternalRef: "BK-ws"})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(s.BookingEventsWSHandler))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "connection_ack" {
		t.Fatalf("ack = %+v err = %v", ack, err)
	}
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: []byte(`{"bookingId":"` + b.ID + `"}`)}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Publish transitions while pings keep the read loop writing, so the
	// fan-out goroutine and the read loop contend for the connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			s.Broker.Publish(b.ID, StreamEvent{Type: "booking.state.changed", Data: map[string]any{"version": i}})
			time.Sleep(time.Millisecond)
		}
	}()
	for i := 0; i < 10; i++ {
		if err := conn.WriteJSON(wsMessage{Type: "ping"}); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
	}

	nexts, pongs := 0, 0
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for nexts == 0 || pongs < 10 {
		var in wsMessage
		if err := conn.ReadJSON(&in); err != nil {
			t.Fatalf("read (nexts=%d pongs=%d): %v", nexts, pongs, err)
		}
		switch in.Type {
		case "next":
			nexts++
		case "pong":
			pongs++
		}
	}
	<-done
}
