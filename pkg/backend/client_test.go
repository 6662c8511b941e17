package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertAssistantsHeaders(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
	assert.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
}

func TestCreateAssistant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assertAssistantsHeaders(t, r)
		assert.Equal(t, "/assistants", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		assert.Equal(t, "be helpful", body["instructions"])
		assert.Contains(t, body, "tools")

		fmt.Fprint(w, `{"id":"asst_abc"}`)
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL)
	id, err := c.CreateAssistant(context.Background(), AssistantSpec{
		Model:        "gpt-4o",
		Instructions: "be helpful",
		Tools: []map[string]interface{}{
			{"type": "function"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "asst_abc", id)
}

func TestCreateThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads", r.URL.Path)
		fmt.Fprint(w, `{"id":"thread_abc"}`)
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL)
	id, err := c.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread_abc", id)
}

func TestAddUserMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/thread_abc/messages", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user", body["role"])
		assert.Equal(t, "Hello", body["content"])

		fmt.Fprint(w, `{"id":"msg_1"}`)
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL)
	require.NoError(t, c.AddUserMessage(context.Background(), "thread_abc", "Hello"))
}

func TestNon200IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	c := NewClient("sk-bad", srv.URL)
	_, err := c.CreateThread(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad key")
}

func sseBody(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func collect(t *testing.T, ch <-chan RunEvent) []RunEvent {
	t.Helper()
	var out []RunEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamRunDeltasAndCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/thread_abc/runs", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "asst_abc", body["assistant_id"])
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`event: thread.run.created`,
			`data: {"id":"run_1"}`,
			``,
			`event: thread.message.delta`,
			`data: {"delta":{"content":[{"type":"text","text":{"value":"Hel"}}]}}`,
			``,
			`event: thread.message.delta`,
			`data: {"delta":{"content":[{"type":"text","text":{"value":"lo"}}]}}`,
			``,
			`event: thread.run.completed`,
			`data: {"id":"run_1"}`,
			``,
			`data: [DONE]`,
		))
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL)
	ch, err := c.StreamRun(context.Background(), "thread_abc", "asst_abc")
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, RunEvent{Type: EventDelta, RunID: "run_1", Delta: "Hel"}, events[0])
	assert.Equal(t, RunEvent{Type: EventDelta, RunID: "run_1", Delta: "lo"}, events[1])
	assert.Equal(t, RunEvent{Type: EventCompleted, RunID: "run_1"}, events[2])
}

func TestStreamRunRequiresActionEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`event: thread.run.requires_action`,
			`data: {"id":"run_1","required_action":{"submit_tool_outputs":{"tool_calls":[{"id":"call_1","function":{"name":"weather","arguments":"{\"city\":\"Oslo\"}"}}]}}}`,
			``,
			`event: thread.message.delta`,
			`data: {"delta":{"content":[{"type":"text","text":{"value":"never seen"}}]}}`,
		))
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL)
	ch, err := c.StreamRun(context.Background(), "thread_abc", "asst_abc")
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1, "the stream ends at requires_action; the caller resumes it")
	ev := events[0]
	assert.Equal(t, EventRequiresAction, ev.Type)
	assert.Equal(t, "run_1", ev.RunID)
	require.Len(t, ev.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "weather", Arguments: `{"city":"Oslo"}`}, ev.ToolCalls[0])
}

func TestStreamRunFailureCarriesLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`event: thread.run.created`,
			`data: {"id":"run_1"}`,
			``,
			`event: thread.run.failed`,
			`data: {"last_error":{"code":"rate_limit_exceeded","message":"try later"}}`,
		))
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL)
	ch, err := c.StreamRun(context.Background(), "thread_abc", "asst_abc")
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	require.Error(t, events[0].Err)
	assert.Contains(t, events[0].Err.Error(), "rate_limit_exceeded")
	assert.Contains(t, events[0].Err.Error(), "try later")
}

func TestStreamRunCancelReleasesStream(t *testing.T) {
	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(handlerDone)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
				fmt.Fprint(w, sseBody(
					`event: thread.message.delta`,
					`data: {"delta":{"content":[{"type":"text","text":{"value":"x"}}]}}`,
					``,
				))
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient("sk-test", srv.URL)
	ch, err := c.StreamRun(ctx, "thread_abc", "asst_abc")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, EventDelta, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event before cancel")
	}

	cancel()

	// The producer must exit and close its channel even with nobody
	// reading, so a disposed consumer never strands the HTTP response.
	closed := make(chan struct{})
	go func() {
		for range ch {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel not closed after cancel")
	}

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler still serving after cancel")
	}
}

func TestSubmitToolOutputsStreamsContinuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/thread_abc/runs/run_1/submit_tool_outputs", r.URL.Path)

		var body struct {
			ToolOutputs []ToolOutput `json:"tool_outputs"`
			Stream      bool         `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.Len(t, body.ToolOutputs, 1)
		assert.Equal(t, ToolOutput{ToolCallID: "call_1", Output: "42"}, body.ToolOutputs[0])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`event: thread.message.delta`,
			`data: {"delta":{"content":[{"type":"text","text":{"value":"42 degrees"}}]}}`,
			``,
			`event: thread.run.completed`,
			`data: {"id":"run_1"}`,
		))
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL)
	ch, err := c.SubmitToolOutputs(context.Background(), "thread_abc", "run_1", []ToolOutput{
		{ToolCallID: "call_1", Output: "42"},
	})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventDelta, events[0].Type)
	assert.Equal(t, "42 degrees", events[0].Delta)
	assert.Equal(t, EventCompleted, events[1].Type)
}
