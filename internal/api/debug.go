package api

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"bookrecon/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"PORT":                  os.Getenv("PORT"),
			"CONFIG_FILE":           os.Getenv("CONFIG_FILE"),
			"MAX_PAYMENT_ATTEMPTS":  s.Cfg.Recon.MaxPaymentAttempts,
			"PAYMENT_FIRST":         s.Cfg.Recon.PaymentFirstCreatesBooking,
			"OUTBOUND_MAX_ATTEMPTS": os.Getenv("OUTBOUND_MAX_ATTEMPTS"),
			"EVENT_RETENTION":       os.Getenv("EVENT_RETENTION"),
			"HAS_DATABASE_URL":      os.Getenv("DATABASE_URL") != "",
			"HAS_REDIS_URL":         os.Getenv("REDIS_URL") != "",
			"HAS_AMQP_URL":          os.Getenv("AMQP_URL") != "",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
