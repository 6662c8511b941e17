package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RunEventType classifies events on a run stream.
type RunEventType string

const (
	// EventDelta carries an incremental piece of reply text.
	EventDelta RunEventType = "delta"
	// EventRequiresAction carries tool calls awaiting outputs.
	EventRequiresAction RunEventType = "requires_action"
	// EventCompleted marks the run finished; the channel closes after it.
	EventCompleted RunEventType = "completed"
	// EventError carries a run failure or a broken stream.
	EventError RunEventType = "error"
)

// ToolCall is one function invocation requested by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// RunEvent is one event consumed from a streaming run.
type RunEvent struct {
	Type      RunEventType
	RunID     string
	Delta     string
	ToolCalls []ToolCall
	Err       error
}

// streamEvents consumes an Assistants SSE response body and translates it
// into RunEvents. It owns the response body. Sends race the context so the
// goroutine exits when the caller cancels instead of blocking on an
// abandoned channel.
func (c *Client) streamEvents(ctx context.Context, resp *http.Response) <-chan RunEvent {
	ch := make(chan RunEvent)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		emit := func(ev RunEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(resp.Body)
		var eventName string
		var runID string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					emit(RunEvent{Type: EventError, RunID: runID, Err: err})
				}
				return
			}

			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "event: ") {
				eventName = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			switch eventName {
			case "thread.run.created", "thread.run.queued", "thread.run.in_progress":
				var run struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal([]byte(data), &run); err == nil && run.ID != "" {
					runID = run.ID
				}

			case "thread.message.delta":
				var delta struct {
					Delta struct {
						Content []struct {
							Type string `json:"type"`
							Text struct {
								Value string `json:"value"`
							} `json:"text"`
						} `json:"content"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &delta); err != nil {
					continue
				}
				for _, part := range delta.Delta.Content {
					if part.Type == "text" && part.Text.Value != "" {
						if !emit(RunEvent{Type: EventDelta, RunID: runID, Delta: part.Text.Value}) {
							return
						}
					}
				}

			case "thread.run.requires_action":
				var action struct {
					ID             string `json:"id"`
					RequiredAction struct {
						SubmitToolOutputs struct {
							ToolCalls []struct {
								ID       string `json:"id"`
								Function struct {
									Name      string `json:"name"`
									Arguments string `json:"arguments"`
								} `json:"function"`
							} `json:"tool_calls"`
						} `json:"submit_tool_outputs"`
					} `json:"required_action"`
				}
				if err := json.Unmarshal([]byte(data), &action); err != nil {
					continue
				}
				if action.ID != "" {
					runID = action.ID
				}
				var calls []ToolCall
				for _, tc := range action.RequiredAction.SubmitToolOutputs.ToolCalls {
					calls = append(calls, ToolCall{
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}
				emit(RunEvent{Type: EventRequiresAction, RunID: runID, ToolCalls: calls})
				// The caller resumes via SubmitToolOutputs on a fresh stream.
				return

			case "thread.run.completed":
				emit(RunEvent{Type: EventCompleted, RunID: runID})
				return

			case "thread.run.failed", "thread.run.cancelled", "thread.run.expired":
				var failed struct {
					LastError struct {
						Code    string `json:"code"`
						Message string `json:"message"`
					} `json:"last_error"`
				}
				msg := eventName
				if err := json.Unmarshal([]byte(data), &failed); err == nil && failed.LastError.Message != "" {
					msg = fmt.Sprintf("%s: %s", failed.LastError.Code, failed.LastError.Message)
				}
				emit(RunEvent{Type: EventError, RunID: runID, Err: fmt.Errorf("run failed: %s", msg)})
				return

			case "error":
				emit(RunEvent{Type: EventError, RunID: runID, Err: fmt.Errorf("stream error: %s", data)})
				return
			}
		}
	}()

	return ch
}
