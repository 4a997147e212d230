package api

import "net/http"

type Principal struct {
	UserID string
	Role   string // admin, support, customer
}

// getPrincipal extracts the caller identity from headers. Webhook endpoints
// authenticate by signature instead and never consult this.
func (s *Server) getPrincipal(r *http.Request) Principal {
	role := r.Header.Get("X-Role")
	if role == "" {
		role = "customer"
	}
	return Principal{UserID: r.Header.Get("X-User-Id"), Role: role}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }
