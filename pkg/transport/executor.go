package transport

import "context"

// Message is one unit of streamed task output.
type Message struct {
	Role     string         `json:"role"` // "assistant", "tool_use", "tool_result", "error"
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskRequest describes one task handed to an executor.
type TaskRequest struct {
	TaskID       string
	Prompt       string
	WorkingDir   string
	SystemPrompt string
}

// TaskExecutor turns a prompt into a stream of messages. The channel
// is closed when the task is done; an executor-level failure surfaces
// as a final message with Role "error". Implementations must observe
// ctx and stop producing promptly after cancellation.
type TaskExecutor interface {
	Run(ctx context.Context, req TaskRequest) (<-chan Message, error)
}

// EchoExecutor is a trivial executor that replays the prompt as a
// single assistant message. Useful for wiring smoke tests without a
// real task backend.
type EchoExecutor struct{}

// Run implements TaskExecutor.
func (EchoExecutor) Run(ctx context.Context, req TaskRequest) (<-chan Message, error) {
	out := make(chan Message, 1)
	go func() {
		defer close(out)
		select {
		case out <- Message{Role: "assistant", Content: req.Prompt}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
