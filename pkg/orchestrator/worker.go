package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/envelope"
	"github.com/fyrsmithlabs/cogentd/pkg/transport"
	"github.com/fyrsmithlabs/cogentd/pkg/workflow"
)

// descriptionLen bounds the prompt excerpt used for branch names and
// review titles.
const descriptionLen = 50

// PublishFunc publishes one event on the orchestrator's event stream.
// Workers hold this function, never the orchestrator itself.
type PublishFunc func(kind envelope.Kind, payload map[string]any) error

// Worker runs tasks for a single project.
type Worker interface {
	Start() error
	Stop()
	Ready() bool
	// Execute runs one task end to end: branch, execute, complete.
	Execute(ctx context.Context, prompt, taskID string) error
}

// WorkerFactory builds a Worker for a discovered project.
type WorkerFactory func(projectID, dir, workingArea string) (Worker, error)

// projectWorker drives the development workflow for one project
// directory, forwarding workflow events upstream.
type projectWorker struct {
	projectID string
	dir       string
	engine    *workflow.Engine
	executor  transport.TaskExecutor
	publish   PublishFunc
	logger    *zap.Logger

	running  atomic.Bool
	fwCancel context.CancelFunc
	fwDone   chan struct{}
}

// NewProjectWorker builds the default worker: a workflow engine plus a
// task executor. The executor may be nil; workflow steps still run.
func NewProjectWorker(projectID, dir string, engine *workflow.Engine, executor transport.TaskExecutor, publish PublishFunc, logger *zap.Logger) Worker {
	return &projectWorker{
		projectID: projectID,
		dir:       dir,
		engine:    engine,
		executor:  executor,
		publish:   publish,
		logger:    logger.Named("worker").With(zap.String("project_id", projectID)),
	}
}

func (w *projectWorker) Start() error {
	if w.running.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.fwCancel = cancel
	w.fwDone = make(chan struct{})
	go w.forwardEvents(ctx)

	w.logger.Info("worker started")
	return nil
}

func (w *projectWorker) Stop() {
	if !w.running.Swap(false) {
		return
	}
	w.engine.Stop()
	w.fwCancel()
	<-w.fwDone
	w.logger.Info("worker stopped")
}

func (w *projectWorker) Ready() bool { return w.running.Load() }

// forwardEvents republishes workflow lifecycle events as
// agent_message events on the orchestrator stream.
func (w *projectWorker) forwardEvents(ctx context.Context) {
	defer close(w.fwDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.engine.Events():
			err := w.publish(envelope.KindAgentMessage, map[string]any{
				"project_id": w.projectID,
				"event":      ev.Name,
				"data":       ev.Data,
			})
			if err != nil {
				w.logger.Warn("workflow event publish failed",
					zap.String("event", ev.Name), zap.Error(err))
			}
		}
	}
}

// Execute runs one task: open the workflow, stream the executor, then
// complete (tests, push, review). A failed executor still commits what
// it produced before reporting the failure.
func (w *projectWorker) Execute(ctx context.Context, prompt, taskID string) error {
	if !w.Ready() {
		return fmt.Errorf("worker not running")
	}

	description := truncate(prompt, descriptionLen)

	start := w.engine.StartTask(ctx, description, taskID)
	if !start.Success {
		return fmt.Errorf("start workflow: %s", start.Err)
	}

	if w.executor != nil {
		if err := w.runExecutor(ctx, prompt, taskID); err != nil {
			if _, commitErr := w.engine.CommitChanges("WIP: "+description+" (task failed)", nil); commitErr != nil {
				w.logger.Warn("wip commit failed", zap.Error(commitErr))
			}
			return err
		}
	}

	result := w.engine.CompleteTask(ctx, fmt.Sprintf("[%s] %s", taskID, description), "")
	if !result.Success {
		return fmt.Errorf("complete workflow: %s", result.Err)
	}
	return nil
}

// runExecutor drains the executor's message stream. A Role "error"
// message or context cancellation fails the task.
func (w *projectWorker) runExecutor(ctx context.Context, prompt, taskID string) error {
	msgs, err := w.executor.Run(ctx, transport.TaskRequest{
		TaskID:     taskID,
		Prompt:     prompt,
		WorkingDir: w.dir,
	})
	if err != nil {
		return fmt.Errorf("run executor: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			if m.Role == "error" {
				return fmt.Errorf("executor failed: %s", m.Content)
			}
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
