package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadrelay/threadrelay/pkg/backend"
	"github.com/threadrelay/threadrelay/pkg/tools"
	"github.com/threadrelay/threadrelay/pkg/transport"
)

// defaultEditInterval throttles placeholder edits; chat platforms rate-limit
// message updates well below typical token rates.
const defaultEditInterval = 250 * time.Millisecond

const emptyReplyFallback = "I've completed processing but have no response to give."

// Streamer consumes one streaming run and writes its reply into the
// placeholder message as incremental edits. Run returns immediately; Dispose
// cancels consumption and is safe whether or not the stream already
// completed naturally.
type Streamer struct {
	ID string

	backend   Backend
	transport transport.Transport
	threadID  string
	registry  *tools.Registry
	ref       transport.MessageRef
	events    <-chan backend.RunEvent

	editInterval time.Duration
	onDone       func(id string)

	ctx         context.Context
	cancel      context.CancelFunc
	disposeOnce sync.Once
}

// NewStreamer creates a streamer bound to one placeholder message. onDone
// is invoked with the streamer id when consumption ends for any reason,
// letting the owner drop its handle. Start the run under Context() so that
// Dispose tears down the underlying stream, then hand its events to Run.
func NewStreamer(
	be Backend,
	tr transport.Transport,
	threadID string,
	registry *tools.Registry,
	ref transport.MessageRef,
	onDone func(id string),
) *Streamer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Streamer{
		ID:           uuid.New().String(),
		backend:      be,
		transport:    tr,
		threadID:     threadID,
		registry:     registry,
		ref:          ref,
		editInterval: defaultEditInterval,
		onDone:       onDone,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context returns the context governing the run's stream. Cancelled by
// Dispose.
func (st *Streamer) Context() context.Context {
	return st.ctx
}

// Run begins consuming the given run events and returns immediately.
func (st *Streamer) Run(events <-chan backend.RunEvent) {
	st.events = events
	go st.consume()
}

// Dispose cancels any in-progress consumption.
func (st *Streamer) Dispose() {
	st.disposeOnce.Do(st.cancel)
}

func (st *Streamer) consume() {
	// Cancelling here releases the stream's HTTP response on natural
	// completion as well as on Dispose.
	defer st.cancel()
	defer func() {
		if st.onDone != nil {
			st.onDone(st.ID)
		}
	}()

	ticker := time.NewTicker(st.editInterval)
	defer ticker.Stop()

	var content strings.Builder
	var pending bool
	events := st.events

	for {
		select {
		case <-st.ctx.Done():
			return

		case <-ticker.C:
			if pending {
				if err := st.transport.Edit(st.ctx, st.ref, content.String()); err != nil {
					log.Printf("streamer %s: edit failed: %v", st.ID, err)
				}
				pending = false
			}

		case ev, ok := <-events:
			if !ok {
				st.finish(content.String())
				return
			}
			switch ev.Type {
			case backend.EventDelta:
				content.WriteString(ev.Delta)
				pending = true

			case backend.EventRequiresAction:
				next, err := st.runTools(ev)
				if err != nil {
					st.fail(err)
					return
				}
				events = next

			case backend.EventCompleted:
				st.finish(content.String())
				return

			case backend.EventError:
				st.fail(ev.Err)
				return
			}
		}
	}
}

// runTools executes the requested tool calls and resumes the run with their
// outputs, returning the continuation stream.
func (st *Streamer) runTools(ev backend.RunEvent) (<-chan backend.RunEvent, error) {
	outputs := make([]backend.ToolOutput, 0, len(ev.ToolCalls))
	for _, call := range ev.ToolCalls {
		args := make(map[string]interface{})
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				log.Printf("streamer %s: bad tool arguments for %s: %v", st.ID, call.Name, err)
			}
		}

		log.Printf("streamer %s: executing tool %s", st.ID, call.Name)
		result, err := st.registry.Execute(call.Name, args)
		if err != nil {
			result = fmt.Sprintf("Error executing tool: %v", err)
		}
		outputs = append(outputs, backend.ToolOutput{ToolCallID: call.ID, Output: result})
	}

	return st.backend.SubmitToolOutputs(st.ctx, st.threadID, ev.RunID, outputs)
}

// finish flushes the final reply text and clears the progress indicator.
func (st *Streamer) finish(content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if content == "" {
		content = emptyReplyFallback
	}
	if err := st.transport.Edit(ctx, st.ref, content); err != nil {
		log.Printf("streamer %s: final edit failed: %v", st.ID, err)
	}
	if err := st.transport.Indicate(ctx, st.ref, transport.StateDone); err != nil {
		log.Printf("streamer %s: done indicator failed: %v", st.ID, err)
	}
}

// fail marks the placeholder with the error state so it never sits empty
// with no explanation.
func (st *Streamer) fail(cause error) {
	log.Printf("streamer %s: run failed: %v", st.ID, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.transport.Indicate(ctx, st.ref, transport.StateError); err != nil {
		log.Printf("streamer %s: error indicator failed: %v", st.ID, err)
	}
}
