// Package creds tracks provider API credential health and selects a working
// credential for outbound calls, failing over on auth or quota errors.
package creds

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bookrecon/internal/model"
)

// ErrNoHealthyCredential means every configured credential for the provider
// is invalid, rate-limited, or paced out. The outbound call stays queued.
var ErrNoHealthyCredential = errors.New("no healthy credential")

// FailureKind classifies an outbound call failure for health tracking.
type FailureKind string

const (
	FailureAuth      FailureKind = "auth"
	FailureRateLimit FailureKind = "rate_limit"
	FailureTransient FailureKind = "transient"
)

type entry struct {
	cred    model.Credential
	limiter *rate.Limiter
}

// Manager round-robins among configured credentials per provider. Health
// state is read-mostly; mutation happens only on failure reports and
// restores, under one mutex.
type Manager struct {
	mu         sync.Mutex
	byProvider map[string][]*entry
	byID       map[string]*entry
	next       map[string]int
	cooldown   time.Duration
	now        func() time.Time
}

// NewManager creates a Manager. cooldown is how long a rate-limited
// credential sits out before being tried again; invalid credentials stay out
// until explicitly restored.
func NewManager(cooldown time.Duration) *Manager {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Manager{
		byProvider: map[string][]*entry{},
		byID:       map[string]*entry{},
		next:       map[string]int{},
		cooldown:   cooldown,
		now:        time.Now,
	}
}

// Add registers a credential. rps/burst bound the outbound call pace through
// this credential; rps <= 0 means unpaced.
func (m *Manager) Add(c model.Credential, rps float64, burst int) {
	if c.Status == "" {
		c.Status = model.CredentialActive
	}
	var lim *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	e := &entry{cred: c, limiter: lim}
	m.mu.Lock()
	m.byProvider[c.Provider] = append(m.byProvider[c.Provider], e)
	m.byID[c.ID] = e
	m.mu.Unlock()
}

// Get returns a healthy credential for the provider, rotating through the
// configured set. Rate-limited credentials recover automatically after the
// cooldown; invalid ones only via Restore.
func (m *Manager) Get(provider string) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ents := m.byProvider[provider]
	if len(ents) == 0 {
		return model.Credential{}, ErrNoHealthyCredential
	}
	start := m.next[provider]
	for i := 0; i < len(ents); i++ {
		e := ents[(start+i)%len(ents)]
		switch e.cred.Status {
		case model.CredentialInvalid:
			continue
		case model.CredentialRateLimited:
			if m.now().Sub(e.cred.LastFailure) < m.cooldown {
				continue
			}
			e.cred.Status = model.CredentialActive
		}
		if e.limiter != nil && !e.limiter.Allow() {
			continue
		}
		m.next[provider] = (start + i + 1) % len(ents)
		return e.cred, nil
	}
	return model.Credential{}, ErrNoHealthyCredential
}

// ReportFailure updates credential health after a failed outbound call.
// Auth failures invalidate immediately; quota failures start a cooldown;
// transient failures only count.
func (m *Manager) ReportFailure(id string, kind FailureKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return
	}
	e.cred.FailCount++
	e.cred.LastFailure = m.now()
	switch kind {
	case FailureAuth:
		e.cred.Status = model.CredentialInvalid
	case FailureRateLimit:
		e.cred.Status = model.CredentialRateLimited
	}
}

// ReportSuccess clears the failure count after a successful call.
func (m *Manager) ReportSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		e.cred.FailCount = 0
	}
}

// Restore puts a credential back in rotation, typically after an operator
// rotated the secret upstream.
func (m *Manager) Restore(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return false
	}
	e.cred.Status = model.CredentialActive
	e.cred.FailCount = 0
	return true
}

// Snapshot returns the current health of all credentials for admin views.
// Secrets are not serialized.
func (m *Manager) Snapshot() []model.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Credential{}
	for _, ents := range m.byProvider {
		for _, e := range ents {
			out = append(out, e.cred)
		}
	}
	return out
}
