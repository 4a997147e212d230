// Package api implements the HTTP surface of the booking reconciliation
// engine: provider webhook intake, booking reads and commands, event
// streams, and admin access to the outbound queue and ledger.
package api

import (
	"os"
	"strings"
	"time"

	"bookrecon/internal/config"
	"bookrecon/internal/creds"
	"bookrecon/internal/events"
	"bookrecon/internal/model"
	"bookrecon/internal/notify"
	"bookrecon/internal/outbound"
	"bookrecon/internal/recon"
	"bookrecon/internal/store"
	"bookrecon/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Cfg    config.Config
	Recon  *recon.Coordinator
	Creds  *creds.Manager
	Broker EventBroker
	Queue  *notify.Publisher
}

// NewServer wires the engine from configuration. If DATABASE_URL is unset,
// uses the in-memory store.
func NewServer() (*Server, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}

	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		s = sp
	}

	// Broker selection
	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	verifier := webhooks.NewVerifier()
	normalizer := events.NewNormalizer()
	cm := creds.NewManager(cfg.CredentialCooldown())
	coord := recon.New(s, verifier, normalizer, recon.Config{
		MaxPaymentAttempts: cfg.Recon.MaxPaymentAttempts,
		PaymentFirst:       cfg.Recon.PaymentFirstCreatesBooking,
	})
	for _, p := range cfg.Providers {
		verifier.Register(p.Name, p.WebhookSecret, time.Duration(p.ToleranceSec)*time.Second)
		normalizer.Register(p.Name, events.ProviderKind(p.Kind))
		coord.SetProviderAPIBase(p.Name, p.APIBase)
		for _, c := range p.Credentials {
			cm.Add(model.Credential{ID: c.ID, Provider: p.Name, Secret: c.Secret}, c.RPS, c.Burst)
		}
	}

	srv := &Server{
		Store:  s,
		Cfg:    cfg,
		Recon:  coord,
		Creds:  cm,
		Broker: broker,
		Queue:  notify.NewPublisher(),
	}
	coord.SetNotifier(srv)
	return srv, nil
}

// BookingChanged fans a committed transition out to stream subscribers and
// the message queue. Implements recon.Notifier.
func (s *Server) BookingChanged(b model.Booking, evt model.EventType) {
	s.Broker.Publish(b.ID, StreamEvent{Type: "booking.state.changed", Data: map[string]any{
		"bookingId":   b.ID,
		"externalRef": b.ExternalRef,
		"status":      b.Status,
		"eventType":   evt,
		"version":     b.Version,
		"ts":          time.Now().UTC().Format(time.RFC3339),
	}})
	s.Queue.BookingChanged(b, evt)
}

// NewOutboundWorker creates the background worker delivering queued
// provider calls.
func (s *Server) NewOutboundWorker() *outbound.Worker {
	return outbound.NewWorker(s.Store, s.Creds)
}
