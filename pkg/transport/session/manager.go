// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package session tracks the client sessions of the hub's front transport.
// Sessions are a lightweight identity surface: they carry no message queues,
// only timestamps and the initialized flag.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/porticolabs/portico/pkg/logger"
)

// Session is one client session.
type Session interface {
	ID() string
	CreatedAt() time.Time
	UpdatedAt() time.Time
	Touch()
}

// ProxySession is the default Session implementation.
type ProxySession struct {
	id string

	mu          sync.Mutex
	created     time.Time
	updated     time.Time
	initialized bool
}

// NewProxySession builds a session with fresh timestamps.
func NewProxySession(id string) *ProxySession {
	now := time.Now()
	return &ProxySession{id: id, created: now, updated: now}
}

// ID returns the session id.
func (s *ProxySession) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *ProxySession) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// UpdatedAt returns the last-touched time.
func (s *ProxySession) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

// Touch refreshes the last-touched time.
func (s *ProxySession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = time.Now()
}

// MarkInitialized records a completed initialize handshake.
func (s *ProxySession) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// Initialized reports whether initialize completed on this session.
func (s *ProxySession) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Factory builds a session for a given id.
type Factory func(id string) Session

// Manager owns the session table: TTL expiry, a max cap evicting oldest
// first, and a background cleanup loop.
type Manager struct {
	ttl     time.Duration
	factory Factory
	maxSize int

	mu       sync.RWMutex
	sessions map[string]Session

	stopOnce sync.Once
	stopCh   chan struct{}
}

const defaultMaxSessions = 1000

// NewManager creates a manager and starts its cleanup loop.
func NewManager(ttl time.Duration, factory Factory) *Manager {
	if factory == nil {
		factory = func(id string) Session { return NewProxySession(id) }
	}
	m := &Manager{
		ttl:      ttl,
		factory:  factory,
		maxSize:  defaultMaxSessions,
		sessions: map[string]Session{},
		stopCh:   make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// SetMaxSessions overrides the session cap.
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxSize = n
	}
}

// AddWithID creates and stores a session via the factory.
func (m *Manager) AddWithID(id string) error {
	return m.AddSession(m.factory(id))
}

// AddSession stores a pre-built session.
func (m *Manager) AddSession(sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sess.ID()]; exists {
		return fmt.Errorf("session %q already exists", sess.ID())
	}
	m.sessions[sess.ID()] = sess
	m.evictOverCapLocked()
	return nil
}

// Get returns a session and refreshes its last-accessed time.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		sess.Touch()
	}
	return sess, ok
}

// Delete removes a session. Unknown ids are not an error.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Count returns the live session count.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop ends the cleanup loop. Stored sessions remain readable.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	interval := m.ttl / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupExpiredOnce()
		}
	}
}

// cleanupExpiredOnce removes sessions idle past the TTL and enforces the cap.
func (m *Manager) cleanupExpiredOnce() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if sess.UpdatedAt().Before(cutoff) {
			delete(m.sessions, id)
			logger.Debugw("expired session removed", "session", id)
		}
	}
	m.evictOverCapLocked()
}

// evictOverCapLocked removes the oldest sessions above the cap.
func (m *Manager) evictOverCapLocked() {
	excess := len(m.sessions) - m.maxSize
	if excess <= 0 {
		return
	}

	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(m.sessions))
	for id, sess := range m.sessions {
		all = append(all, aged{id: id, at: sess.UpdatedAt()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for _, victim := range all[:excess] {
		delete(m.sessions, victim.id)
		logger.Warnw("session cap exceeded, evicting oldest", "session", victim.id)
	}
}
