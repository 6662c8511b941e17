package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client talks to an OpenAI Assistants v2 compatible API.
type Client struct {
	APIKey  string
	APIBase string
	HTTP    *http.Client
}

// NewClient creates a new Client.
func NewClient(apiKey, apiBase string) *Client {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &Client{
		APIKey:  apiKey,
		APIBase: apiBase,
		HTTP:    &http.Client{},
	}
}

// AssistantSpec describes an assistant definition to be created.
type AssistantSpec struct {
	Model        string
	Instructions string
	Tools        []map[string]interface{}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.APIBase, "/") + path
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url(path), bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CreateAssistant creates an assistant definition and returns its id.
func (c *Client) CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	body := map[string]interface{}{
		"model":        spec.Model,
		"instructions": spec.Instructions,
	}
	if len(spec.Tools) > 0 {
		body["tools"] = spec.Tools
	}

	var response struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/assistants", body, &response); err != nil {
		return "", err
	}
	if response.ID == "" {
		return "", fmt.Errorf("no assistant id in response")
	}
	return response.ID, nil
}

// CreateThread creates an empty conversation thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var response struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/threads", map[string]interface{}{}, &response); err != nil {
		return "", err
	}
	if response.ID == "" {
		return "", fmt.Errorf("no thread id in response")
	}
	return response.ID, nil
}

// AddUserMessage appends a user-role message to the thread.
func (c *Client) AddUserMessage(ctx context.Context, threadID, text string) error {
	body := map[string]interface{}{
		"role":    "user",
		"content": text,
	}
	var response struct {
		ID string `json:"id"`
	}
	return c.postJSON(ctx, "/threads/"+threadID+"/messages", body, &response)
}

// StreamRun starts a streaming run for the thread/assistant pair. Events are
// delivered on the returned channel; the channel closes when the run reaches
// a terminal state or the stream breaks.
func (c *Client) StreamRun(ctx context.Context, threadID, assistantID string) (<-chan RunEvent, error) {
	body := map[string]interface{}{
		"assistant_id": assistantID,
		"stream":       true,
	}

	resp, err := c.post(ctx, "/threads/"+threadID+"/runs", body)
	if err != nil {
		return nil, err
	}

	return c.streamEvents(ctx, resp), nil
}

// ToolOutput is one tool invocation result submitted back to a run.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// SubmitToolOutputs resumes a run waiting on tool results and continues
// streaming its events.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (<-chan RunEvent, error) {
	body := map[string]interface{}{
		"tool_outputs": outputs,
		"stream":       true,
	}

	resp, err := c.post(ctx, "/threads/"+threadID+"/runs/"+runID+"/submit_tool_outputs", body)
	if err != nil {
		return nil, err
	}

	return c.streamEvents(ctx, resp), nil
}
