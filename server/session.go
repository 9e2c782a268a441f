package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/output"
	"github.com/rs/xid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
)

// Session is one editor tab: a coordinator with its own interpreter and
// console log.
type Session struct {
	ID          string
	Coordinator *coordinator.Coordinator
	Log         *output.Log
	CreatedAt   time.Time

	lastUsed time.Time
}

// LoaderFunc returns the loader for a new session's interpreter.
type LoaderFunc func() coordinator.Loader

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	TTL         time.Duration
	MaxSessions int
	LogSize     int
	Loader      LoaderFunc
	Options     []coordinator.Option
	Logger      *slog.Logger
}

// Manager owns live sessions and closes idle ones.
type Manager struct {
	cfg      ManagerConfig
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session and begins loading its interpreter. Loading
// outlives ctx.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}

	now := m.now()
	log := output.NewLog(m.cfg.LogSize)
	s := &Session{
		ID:        xid.New().String(),
		Log:       log,
		CreatedAt: now,
		lastUsed:  now,
	}
	opts := append([]coordinator.Option{
		coordinator.WithLogger(m.logger.With(slog.String("session", s.ID))),
	}, m.cfg.Options...)
	s.Coordinator = coordinator.New(m.cfg.Loader(), log, opts...)
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.Coordinator.Initialize(context.WithoutCancel(ctx))
	m.logger.Info("session created", slog.String("session", s.ID))
	return s, nil
}

// Get returns a session and marks it used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.lastUsed = m.now()
	return s, nil
}

// Close removes a session and releases its interpreter.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	m.logger.Info("session closed", slog.String("session", id))
	return s.Coordinator.Close()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns live session IDs, oldest first.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	// xids sort by creation time.
	sort.Strings(ids)
	return ids
}

// Sweep closes sessions idle longer than the TTL and returns how many were
// closed. A zero TTL disables expiry.
func (m *Manager) Sweep() int {
	if m.cfg.TTL <= 0 {
		return 0
	}

	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.lastUsed) > m.cfg.TTL {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Coordinator.Close()
		m.logger.Info("session expired", slog.String("session", s.ID))
	}
	return len(expired)
}

// Run sweeps expired sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Coordinator.Close()
	}
}
