package barcode

import (
	"context"
	"sync"
	"time"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/pkg/actor"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// SessionManager owns live scan sessions. Sessions idle longer than the
// TTL are aborted and removed by a cleanup loop.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	scanner   Scanner
	committer Committer
	items     ledger.ItemReader
	ttl       time.Duration
	now       func() time.Time
	logger    *logger.Logger
	cancel    context.CancelFunc
}

// NewSessionManager creates a session manager
func NewSessionManager(scanner Scanner, committer Committer, items ledger.ItemReader, ttl time.Duration, log *logger.Logger) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*Session),
		scanner:   scanner,
		committer: committer,
		items:     items,
		ttl:       ttl,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log.WithComponent("scan-sessions"),
	}
}

// SetClock overrides the idle clock
func (m *SessionManager) SetClock(now func() time.Time) {
	m.now = now
}

// Create opens a new session in the idle state
func (m *SessionManager) Create(params Params) (*Session, error) {
	if params.LocationID == "" {
		return nil, domain.ValidationError("location_id", "this field is required")
	}
	if params.Type == "" {
		params.Type = domain.OpIssue
	}
	if !params.Type.Valid() {
		return nil, domain.ValidationError("type", "unknown operation type")
	}
	if params.Type == domain.OpAdjustment && params.ReasonCode == "" {
		return nil, domain.ValidationError("reason_code", "required for adjustments")
	}
	if params.ActorID == "" {
		params.ActorID = actor.SystemID
	}

	s := newSession(params, m.scanner, m.committer, m.items, func() time.Time { return m.now() }, m.logger)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", s.ID()).
		Str("location_id", params.LocationID).
		Str("type", string(params.Type)).
		Msg("scan session created")
	return s, nil
}

// Get returns a session by id
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.NotFound("scan session")
	}
	return s, nil
}

// Len returns the number of tracked sessions
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start runs the cleanup loop until ctx is cancelled or Stop is called
func (m *SessionManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Info().Int("removed", n).Msg("expired scan sessions removed")
				}
			}
		}
	}()
}

// Stop ends the cleanup loop and aborts every live session
func (m *SessionManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
}

// Sweep aborts and removes sessions idle longer than the TTL. Finished
// sessions stay queryable for one TTL after their last command.
func (m *SessionManager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.IdleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.shutdown()
	}
	return len(expired)
}
