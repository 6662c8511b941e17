package agent

import (
	"context"
	"fmt"

	"github.com/threadrelay/threadrelay/pkg/backend"
	"github.com/threadrelay/threadrelay/pkg/tools"
)

// Backend is the AI service surface the agent needs.
type Backend interface {
	CreateAssistant(ctx context.Context, spec backend.AssistantSpec) (string, error)
	CreateThread(ctx context.Context) (string, error)
	AddUserMessage(ctx context.Context, threadID, text string) error
	StreamRun(ctx context.Context, threadID, assistantID string) (<-chan backend.RunEvent, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []backend.ToolOutput) (<-chan backend.RunEvent, error)
}

// Provisioner performs the one-shot setup for a session: the assistant
// definition (instructions, tool schema, model) and a fresh conversation
// thread. Both ids are immutable once returned.
type Provisioner struct {
	Backend      Backend
	Registry     *tools.Registry
	Model        string
	Instructions string
}

// Provisioned holds the identifiers produced by Provision.
type Provisioned struct {
	AssistantID string
	ThreadID    string
}

// Provision creates the assistant and an empty thread.
func (p *Provisioner) Provision(ctx context.Context) (Provisioned, error) {
	instructions := p.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}

	assistantID, err := p.Backend.CreateAssistant(ctx, backend.AssistantSpec{
		Model:        p.Model,
		Instructions: instructions,
		Tools:        p.Registry.GetDefinitions(),
	})
	if err != nil {
		return Provisioned{}, fmt.Errorf("failed to create assistant: %w", err)
	}

	threadID, err := p.Backend.CreateThread(ctx)
	if err != nil {
		return Provisioned{}, fmt.Errorf("failed to create thread: %w", err)
	}

	return Provisioned{AssistantID: assistantID, ThreadID: threadID}, nil
}

const defaultInstructions = `You are threadrelay, a helpful AI assistant living inside a chat channel.

Reply to messages directly and conversationally. Keep answers concise; chat
messages are read on small screens. You can call tools to search the web or
fetch pages when a question needs current information. Prefer a tool call
over guessing.

In group chats, messages may be prefixed with the sender's name. Address the
sender by that name when it helps.`
