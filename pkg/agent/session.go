package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/threadrelay/threadrelay/pkg/bus"
	"github.com/threadrelay/threadrelay/pkg/transport"
)

// State is the lifecycle state of a Session. Every public operation checks
// it, so a disposed session no-ops instead of touching the backend again.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateDisposed
)

// ErrNoAPIKey is returned by Initialize when no backend credential is
// available. It is fatal to the session, not to the process.
var ErrNoAPIKey = errors.New("no OpenAI API key configured (set openai.apiKey or OPENAI_API_KEY)")

// Session binds one chat conversation to one assistant conversation thread.
// It serializes inbound messages into the thread, spawns one Streamer per
// accepted message, and disposes all live streamers when it is disposed
// itself. At most one Session exists per conversation for the process
// lifetime; the Manager enforces that.
type Session struct {
	Channel string
	ChatID  string

	bus         *bus.MessageBus
	transport   transport.Transport
	backend     Backend
	provisioner *Provisioner
	apiKey      string

	// Immutable once Initialize succeeds.
	assistantID string
	threadID    string

	mu              sync.Mutex
	state           State
	lastInteraction time.Time
	streamers       map[string]*Streamer
	subID           string
}

// NewSession creates a session in the Uninitialized state.
func NewSession(channel, chatID string, messageBus *bus.MessageBus, tr transport.Transport, be Backend, prov *Provisioner, apiKey string) *Session {
	return &Session{
		Channel:     channel,
		ChatID:      chatID,
		bus:         messageBus,
		transport:   tr,
		backend:     be,
		provisioner: prov,
		apiKey:      apiKey,
		streamers:   make(map[string]*Streamer),
	}
}

// Key returns the bus subscription key for this conversation.
func (s *Session) Key() string {
	return s.Channel + ":" + s.ChatID
}

// Initialize acquires the backend credential, provisions the assistant and a
// fresh thread, and subscribes to inbound messages. It must be called
// exactly once before any message handling occurs.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s: initialize called in state %d", s.Key(), state)
	}
	s.mu.Unlock()

	if s.apiKey == "" {
		return ErrNoAPIKey
	}

	provisioned, err := s.provisioner.Provision(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.assistantID = provisioned.AssistantID
	s.threadID = provisioned.ThreadID
	s.state = StateActive
	// Baseline for the idle reaper; accepted messages move it forward.
	s.lastInteraction = time.Now()
	s.subID = s.bus.Subscribe(s.Key(), s.handleInbound)
	s.mu.Unlock()

	log.Printf("session %s: initialized (assistant=%s thread=%s)", s.Key(), provisioned.AssistantID, provisioned.ThreadID)
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastInteraction returns the time of the most recently accepted inbound
// message. Safe to call concurrently with message handling.
func (s *Session) LastInteraction() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInteraction
}

// StreamerCount reports the number of currently tracked streamers.
func (s *Session) StreamerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streamers)
}

// handleInbound filters one inbound event and, when accepted, kicks off the
// reply pipeline. Filtering and the interaction timestamp run synchronously
// in bus dispatch order; the network-bound steps run in their own goroutine
// so a slow backend never blocks the next event.
func (s *Session) handleInbound(msg bus.InboundMessage) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		log.Printf("session %s: dropping event, session not active", s.Key())
		return
	}
	// The assistant's own messages must never re-trigger a run, and events
	// without text carry nothing to relay.
	if msg.Content == "" || msg.FromBot {
		s.mu.Unlock()
		log.Printf("session %s: filtered event %s (empty=%t fromBot=%t)", s.Key(), msg.MessageID, msg.Content == "", msg.FromBot)
		return
	}
	s.lastInteraction = time.Now()
	s.mu.Unlock()

	go s.respond(msg)
}

// respond performs the network-bound part of handling one accepted message:
// append the user turn, create the placeholder, show the thinking indicator,
// start the run, and hand it to a tracked streamer.
func (s *Session) respond(msg bus.InboundMessage) {
	ctx := context.Background()

	if err := s.backend.AddUserMessage(ctx, s.threadID, msg.Content); err != nil {
		s.reportFailure(msg, transport.MessageRef{}, fmt.Errorf("thread append: %w", err))
		return
	}

	ref, err := s.transport.Send(ctx, s.ChatID, "", true)
	if err != nil {
		s.reportFailure(msg, transport.MessageRef{}, fmt.Errorf("placeholder send: %w", err))
		return
	}

	if err := s.transport.Indicate(ctx, ref, transport.StateThinking); err != nil {
		log.Printf("session %s: thinking indicator failed: %v", s.Key(), err)
	}

	// The run starts under the streamer's context so that disposing the
	// streamer tears down the underlying stream, not just its consumer.
	streamer := NewStreamer(s.backend, s.transport, s.threadID, s.provisioner.Registry, ref, s.untrack)
	events, err := s.backend.StreamRun(streamer.Context(), s.threadID, s.assistantID)
	if err != nil {
		streamer.Dispose()
		s.reportFailure(msg, ref, fmt.Errorf("run start: %w", err))
		return
	}

	s.track(streamer)
	streamer.Run(events)
}

// track adds a streamer to the active set. If the session was disposed while
// the reply pipeline was in flight, the streamer is disposed immediately
// instead of leaking past the session's lifetime.
func (s *Session) track(st *Streamer) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		st.Dispose()
		return
	}
	s.streamers[st.ID] = st
	s.mu.Unlock()
}

// untrack removes a streamer that finished on its own, keeping the active
// set from growing without bound over a long-lived session.
func (s *Session) untrack(id string) {
	s.mu.Lock()
	delete(s.streamers, id)
	s.mu.Unlock()
}

// reportFailure logs a per-event failure, surfaces it on the bus error
// channel, and marks the placeholder (when one exists) with the error
// indicator. The session stays active.
func (s *Session) reportFailure(msg bus.InboundMessage, ref transport.MessageRef, err error) {
	log.Printf("session %s: event handling failed: %v", s.Key(), err)
	s.bus.ReportError(msg, err)

	if ref.ID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if indErr := s.transport.Indicate(ctx, ref, transport.StateError); indErr != nil {
			log.Printf("session %s: error indicator failed: %v", s.Key(), indErr)
		}
	}
}

// Dispose unsubscribes from inbound messages, disposes every tracked
// streamer exactly once, clears the tracked set, and releases the
// conversation's transport resources. Safe to call more than once.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	s.state = StateDisposed
	subID := s.subID
	streamers := make([]*Streamer, 0, len(s.streamers))
	for _, st := range s.streamers {
		streamers = append(streamers, st)
	}
	s.streamers = make(map[string]*Streamer)
	s.mu.Unlock()

	if wasActive {
		s.bus.Unsubscribe(s.Key(), subID)
	}
	for _, st := range streamers {
		st.Dispose()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Release(ctx, s.ChatID); err != nil {
		log.Printf("session %s: transport release failed: %v", s.Key(), err)
	}

	log.Printf("session %s: disposed (%d streamers cancelled)", s.Key(), len(streamers))
}
