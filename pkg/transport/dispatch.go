package transport

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/envelope"
)

// promptPreviewLen bounds the prompt excerpt carried in events.
const promptPreviewLen = 200

// handleCommand is the single dispatch point for the command subject.
// Every command kind has an exhaustive case; replies are envelopes
// echoing the request's correlation id. Failures are data, never
// faults: a bad command yields {success:false, error}.
func (t *Transport) handleCommand(msg *nats.Msg) {
	env, err := envelope.Decode(msg.Data)
	if err != nil {
		t.logger.Warn("undecodable command", zap.Error(err))
		t.reply(msg, envelope.KindTaskFailed, "", map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	t.logger.Info("received command",
		zap.String("type", env.Kind.String()),
		zap.String("correlation_id", env.CorrelationID))

	var resp map[string]any
	switch env.Kind {
	case envelope.KindExecuteTask:
		resp = t.handleExecuteTask(env)
	case envelope.KindCancelTask:
		resp = t.handleCancelTask()
	case envelope.KindGetStatus:
		resp = t.handleGetStatus()
	default:
		resp = map[string]any{
			"success": false,
			"error":   fmt.Sprintf("unknown command type: %s", env.Kind),
		}
	}

	t.reply(msg, env.Kind, env.CorrelationID, resp)
}

func (t *Transport) reply(msg *nats.Msg, kind envelope.Kind, correlationID string, payload map[string]any) {
	if msg.Reply == "" {
		return
	}
	env := envelope.New(kind, t.opts.AgentID, payload).WithCorrelation(correlationID)
	data, err := env.Encode()
	if err != nil {
		t.logger.Error("encode reply failed", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		t.logger.Error("send reply failed", zap.Error(err))
	}
}

// handleExecuteTask accepts a task and launches it asynchronously. The
// reply goes out immediately; progress arrives later as task_progress
// events terminated by exactly one task_completed or task_failed.
func (t *Transport) handleExecuteTask(env envelope.Envelope) map[string]any {
	prompt, _ := env.Payload["prompt"].(string)
	if prompt == "" {
		return map[string]any{"success": false, "error": "no prompt provided"}
	}
	if t.executor == nil {
		return map[string]any{"success": false, "error": "agent does not execute tasks"}
	}

	workingDir, _ := env.Payload["working_dir"].(string)
	systemPrompt, _ := env.Payload["system_prompt"].(string)
	taskID, _ := env.Payload["task_id"].(string)

	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.active != nil {
		t.mu.Unlock()
		cancel()
		return map[string]any{"success": false, "error": "agent is busy processing another task"}
	}
	active := &activeTask{taskID: taskID, cancel: cancel, done: make(chan struct{})}
	t.active = active
	t.state = StateProcessing
	t.mu.Unlock()

	if err := t.PublishEvent(envelope.KindTaskStarted, map[string]any{
		"prompt":  truncate(prompt, promptPreviewLen),
		"task_id": taskID,
	}, env.CorrelationID); err != nil {
		t.logger.Warn("task_started publish failed", zap.Error(err))
	}

	go t.runTask(ctx, active, TaskRequest{
		TaskID:       taskID,
		Prompt:       prompt,
		WorkingDir:   workingDir,
		SystemPrompt: systemPrompt,
	}, env.CorrelationID)

	return map[string]any{
		"success":        true,
		"message":        "task started",
		"correlation_id": env.CorrelationID,
	}
}

// runTask streams executor output as task_progress events. Cancellation
// is cooperative: the context is checked between messages, and a
// cancelled run still publishes its terminal event so subscribers are
// never left waiting.
func (t *Transport) runTask(ctx context.Context, active *activeTask, req TaskRequest, correlationID string) {
	defer func() {
		t.mu.Lock()
		t.active = nil
		if t.state == StateProcessing {
			t.state = StateReady
		}
		t.mu.Unlock()
		close(active.done)
	}()

	publish := func(kind envelope.Kind, payload map[string]any) {
		if err := t.PublishEvent(kind, payload, correlationID); err != nil {
			t.logger.Warn("event publish failed",
				zap.String("type", kind.String()), zap.Error(err))
		}
	}

	msgs, err := t.executor.Run(ctx, req)
	if err != nil {
		publish(envelope.KindTaskFailed, map[string]any{
			"task_id": req.TaskID,
			"error":   err.Error(),
		})
		return
	}

	for {
		select {
		case <-ctx.Done():
			publish(envelope.KindTaskFailed, map[string]any{
				"task_id":   req.TaskID,
				"cancelled": true,
				"error":     "task cancelled",
			})
			return
		case m, ok := <-msgs:
			if !ok {
				publish(envelope.KindTaskCompleted, map[string]any{
					"task_id": req.TaskID,
					"prompt":  truncate(req.Prompt, promptPreviewLen),
				})
				return
			}
			if m.Role == "error" {
				publish(envelope.KindTaskFailed, map[string]any{
					"task_id": req.TaskID,
					"error":   m.Content,
				})
				return
			}
			payload := map[string]any{
				"role":    m.Role,
				"content": m.Content,
			}
			if m.Metadata != nil {
				payload["metadata"] = m.Metadata
			}
			publish(envelope.KindTaskProgress, payload)
		}
	}
}

// handleCancelTask requests cooperative cancellation of the running
// task. The task goroutine publishes the terminal event.
func (t *Transport) handleCancelTask() map[string]any {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()

	if active == nil {
		return map[string]any{"success": false, "error": "no active task to cancel"}
	}
	active.cancel()
	return map[string]any{"success": true, "message": "task cancellation requested"}
}

// handleGetStatus is synchronous and side-effect free.
func (t *Transport) handleGetStatus() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"success":         true,
		"agent_id":        t.opts.AgentID,
		"state":           string(t.state),
		"is_ready":        t.state == StateReady,
		"has_active_task": t.active != nil,
	}
}

// handleBroadcast drops the agent's own broadcasts and surfaces
// shutdown requests to the owner.
func (t *Transport) handleBroadcast(msg *nats.Msg) {
	env, err := envelope.Decode(msg.Data)
	if err != nil {
		t.logger.Warn("undecodable broadcast", zap.Error(err))
		return
	}
	if env.AgentID == t.opts.AgentID {
		return
	}

	t.logger.Info("received broadcast",
		zap.String("from_agent", env.AgentID),
		zap.String("type", env.Kind.String()))

	if env.Kind == envelope.KindShutdown {
		select {
		case t.shutdownCh <- struct{}{}:
		default:
		}
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
