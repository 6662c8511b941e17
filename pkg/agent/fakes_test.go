package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/threadrelay/threadrelay/pkg/backend"
	"github.com/threadrelay/threadrelay/pkg/tools"
	"github.com/threadrelay/threadrelay/pkg/transport"
)

// fakeBackend records calls and hands out test-controlled run streams.
type fakeBackend struct {
	mu sync.Mutex

	assistants  int
	threads     int
	appends     []string
	runsStarted int
	runCtxs     []context.Context

	appendErr error
	runErr    error

	// appendGate, when set, blocks AddUserMessage until released once per
	// call. Used to hold two events in flight simultaneously.
	appendGate chan struct{}

	// streams are handed out in order by StreamRun; a missing entry yields
	// a fresh channel the test never feeds.
	streams []chan backend.RunEvent

	submitted    []backend.ToolOutput
	submitStream chan backend.RunEvent
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (f *fakeBackend) CreateAssistant(ctx context.Context, spec backend.AssistantSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistants++
	return fmt.Sprintf("asst_%d", f.assistants), nil
}

func (f *fakeBackend) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return fmt.Sprintf("thread_%d", f.threads), nil
}

func (f *fakeBackend) AddUserMessage(ctx context.Context, threadID, text string) error {
	f.mu.Lock()
	gate := f.appendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends = append(f.appends, text)
	return nil
}

func (f *fakeBackend) StreamRun(ctx context.Context, threadID, assistantID string) (<-chan backend.RunEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	var ch chan backend.RunEvent
	if f.runsStarted < len(f.streams) {
		ch = f.streams[f.runsStarted]
	} else {
		ch = make(chan backend.RunEvent)
	}
	f.runsStarted++
	f.runCtxs = append(f.runCtxs, ctx)
	return ch, nil
}

func (f *fakeBackend) runContexts() []context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]context.Context(nil), f.runCtxs...)
}

func (f *fakeBackend) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []backend.ToolOutput) (<-chan backend.RunEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs...)
	if f.submitStream != nil {
		return f.submitStream, nil
	}
	return make(chan backend.RunEvent), nil
}

func (f *fakeBackend) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

func (f *fakeBackend) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runsStarted
}

type sentMessage struct {
	ChatID  string
	Text    string
	FromBot bool
}

type editedMessage struct {
	Ref  transport.MessageRef
	Text string
}

type indication struct {
	Ref   transport.MessageRef
	State transport.IndicatorState
}

// fakeTransport records outbound traffic.
type fakeTransport struct {
	mu sync.Mutex

	sends       []sentMessage
	edits       []editedMessage
	indications []indication
	released    []string
	nextID      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Start() error { return nil }

func (f *fakeTransport) Disconnect() error { return nil }

func (f *fakeTransport) Send(ctx context.Context, chatID, text string, fromBot bool) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sentMessage{ChatID: chatID, Text: text, FromBot: fromBot})
	return transport.MessageRef{ChatID: chatID, ID: fmt.Sprintf("m%d", f.nextID)}, nil
}

func (f *fakeTransport) Edit(ctx context.Context, ref transport.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedMessage{Ref: ref, Text: text})
	return nil
}

func (f *fakeTransport) Indicate(ctx context.Context, ref transport.MessageRef, state transport.IndicatorState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indications = append(f.indications, indication{Ref: ref, State: state})
	return nil
}

func (f *fakeTransport) Release(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, chatID)
	return nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) lastEdit() (editedMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return editedMessage{}, false
	}
	return f.edits[len(f.edits)-1], true
}

func (f *fakeTransport) indicationsFor(state transport.IndicatorState) []indication {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []indication
	for _, ind := range f.indications {
		if ind.State == state {
			out = append(out, ind)
		}
	}
	return out
}

// stubTool is a registry tool with a canned result.
type stubTool struct {
	tools.BaseTool
	name   string
	result string

	mu    sync.Mutex
	calls []map[string]interface{}
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *stubTool) ToSchema() map[string]interface{} { return tools.GenerateSchema(t) }
func (t *stubTool) Execute(args map[string]interface{}) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, args)
	return t.result, nil
}
