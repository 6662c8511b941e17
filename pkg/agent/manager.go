package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/threadrelay/threadrelay/pkg/bus"
	"github.com/threadrelay/threadrelay/pkg/transport"
)

// Manager owns all agent sessions, at most one per conversation for the
// process lifetime. It is the bus fallback handler: the first message from
// an unseen conversation creates and initializes a session, then the message
// is redelivered to the fresh subscription. A cron schedule reaps sessions
// that have gone quiet.
type Manager struct {
	bus         *bus.MessageBus
	backend     Backend
	provisioner *Provisioner
	apiKey      string

	maxIdle      time.Duration
	reapInterval time.Duration
	cron         *cron.Cron

	mu         sync.Mutex
	transports map[string]transport.Transport
	sessions   map[string]*Session
}

// NewManager creates a session manager.
func NewManager(messageBus *bus.MessageBus, be Backend, prov *Provisioner, apiKey string, maxIdle, reapInterval time.Duration) *Manager {
	return &Manager{
		bus:          messageBus,
		backend:      be,
		provisioner:  prov,
		apiKey:       apiKey,
		maxIdle:      maxIdle,
		reapInterval: reapInterval,
		transports:   make(map[string]transport.Transport),
		sessions:     make(map[string]*Session),
	}
}

// AddTransport registers a transport sessions can reply through.
func (m *Manager) AddTransport(t transport.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[t.Name()] = t
}

// Start installs the bus fallback and the idle reaper schedule.
func (m *Manager) Start() error {
	m.bus.SetFallback(m.onUnknownConversation)

	if m.maxIdle > 0 && m.reapInterval > 0 {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.reapInterval), m.ReapIdle); err != nil {
			return fmt.Errorf("failed to schedule idle reaper: %w", err)
		}
		m.cron.Start()
	}

	return nil
}

// onUnknownConversation handles the first message of a conversation nobody
// subscribes to yet.
func (m *Manager) onUnknownConversation(msg bus.InboundMessage) {
	m.mu.Lock()
	tr, ok := m.transports[msg.Channel]
	if !ok {
		m.mu.Unlock()
		log.Printf("manager: no transport registered for channel %q, dropping message", msg.Channel)
		return
	}

	key := msg.SessionKey()
	if _, exists := m.sessions[key]; exists {
		// A disposed session still occupies its slot: one session per
		// conversation per process lifetime.
		m.mu.Unlock()
		log.Printf("manager: conversation %s already had a session, dropping message", key)
		return
	}

	sess := NewSession(msg.Channel, msg.ChatID, m.bus, tr, m.backend, m.provisioner, m.apiKey)
	m.sessions[key] = sess
	m.mu.Unlock()

	if err := sess.Initialize(context.Background()); err != nil {
		log.Printf("manager: failed to initialize session %s: %v", key, err)
		m.bus.ReportError(msg, err)
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		return
	}

	// Redeliver: the session's subscription now exists.
	m.bus.Publish(msg)
}

// Get returns the session for a conversation, if one exists.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key]
	return sess, ok
}

// Count reports the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ReapIdle disposes sessions whose last accepted message is older than the
// idle limit. Disposed sessions keep their slot: one session per
// conversation per process lifetime.
func (m *Manager) ReapIdle() {
	now := time.Now()

	m.mu.Lock()
	var idle []*Session
	for _, sess := range m.sessions {
		if sess.State() == StateActive && now.Sub(sess.LastInteraction()) > m.maxIdle {
			idle = append(idle, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range idle {
		log.Printf("manager: reaping idle session %s (last interaction %s)", sess.Key(), sess.LastInteraction().Format(time.RFC3339))
		sess.Dispose()
	}
}

// Stop halts the reaper and disposes every session.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Dispose()
	}
}
