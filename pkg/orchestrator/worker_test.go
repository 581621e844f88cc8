package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/envelope"
	"github.com/fyrsmithlabs/cogentd/pkg/transport"
	"github.com/fyrsmithlabs/cogentd/pkg/workflow"
)

// memVCS is a minimal in-memory VersionControl for worker tests.
type memVCS struct {
	mu      sync.Mutex
	branch  string
	dirty   bool
	commits []string
}

func (m *memVCS) Init(initialBranch string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.branch == "" {
		m.branch = initialBranch
		return true, nil
	}
	return false, nil
}

func (m *memVCS) Status() (workflow.RepoStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := workflow.RepoStatus{IsRepo: true, Branch: m.branch, Clean: !m.dirty}
	if m.dirty {
		status.Modified = []string{"file.go"}
	}
	return status, nil
}

func (m *memVCS) CreateBranch(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branch = name
	return nil
}

func (m *memVCS) Checkout(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branch = name
	return nil
}

func (m *memVCS) Stage([]string) error { return nil }

func (m *memVCS) Commit(message string, allowEmpty bool) (*workflow.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty && !allowEmpty {
		return nil, nil
	}
	m.dirty = false
	m.commits = append(m.commits, message)
	return &workflow.Commit{
		SHA:      fmt.Sprintf("%040d", len(m.commits)),
		ShortSHA: fmt.Sprintf("%07d", len(m.commits)),
		Message:  message,
		When:     time.Now().UTC(),
	}, nil
}

func (m *memVCS) Push(context.Context, string, string) error { return nil }
func (m *memVCS) AddRemote(string, string) error             { return nil }

func (m *memVCS) RecentCommits(n int) ([]workflow.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var commits []workflow.Commit
	for i := len(m.commits) - 1; i >= 0 && len(commits) < n; i-- {
		commits = append(commits, workflow.Commit{Message: m.commits[i]})
	}
	return commits, nil
}

func (m *memVCS) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commits...)
}

// scriptedExecutor replays a fixed message script.
type scriptedExecutor struct {
	msgs []transport.Message
}

func (e *scriptedExecutor) Run(ctx context.Context, req transport.TaskRequest) (<-chan transport.Message, error) {
	out := make(chan transport.Message, len(e.msgs))
	for _, m := range e.msgs {
		out <- m
	}
	close(out)
	return out, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []map[string]any
}

func (r *eventRecorder) publish(kind envelope.Kind, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload["__kind"] = kind.String()
	r.events = append(r.events, payload)
	return nil
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, ev := range r.events {
		if name, ok := ev["event"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func newTestWorker(t *testing.T, vcs workflow.VersionControl, executor transport.TaskExecutor) (*projectWorker, *eventRecorder) {
	t.Helper()

	recorder := &eventRecorder{}
	engine := workflow.NewEngine(workflow.Config{ProjectName: "proj"}, vcs, nil, nil, zap.NewNop())
	w := NewProjectWorker("area/proj", t.TempDir(), engine, executor, recorder.publish, zap.NewNop()).(*projectWorker)
	t.Cleanup(w.Stop)
	return w, recorder
}

func TestWorkerLifecycle(t *testing.T) {
	w, _ := newTestWorker(t, &memVCS{}, nil)

	assert.False(t, w.Ready())
	require.NoError(t, w.Start())
	assert.True(t, w.Ready())
	require.NoError(t, w.Start()) // idempotent

	w.Stop()
	assert.False(t, w.Ready())
	w.Stop() // idempotent
}

func TestWorkerExecute_NotRunning(t *testing.T) {
	w, _ := newTestWorker(t, &memVCS{}, nil)

	err := w.Execute(context.Background(), "task", "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestWorkerExecute_ForwardsWorkflowEvents(t *testing.T) {
	vcs := &memVCS{}
	w, recorder := newTestWorker(t, vcs, &scriptedExecutor{msgs: []transport.Message{
		{Role: "assistant", Content: "done"},
	}})
	require.NoError(t, w.Start())

	vcs.mu.Lock()
	vcs.dirty = true
	vcs.mu.Unlock()

	require.NoError(t, w.Execute(context.Background(), "Add login page", "t1"))

	require.Eventually(t, func() bool {
		names := recorder.names()
		for _, n := range names {
			if n == "workflow_completed" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	names := recorder.names()
	assert.Contains(t, names, "workflow_started")
	assert.Contains(t, names, "branch_created")
	assert.Contains(t, names, "commit_created")
}

func TestWorkerExecute_ExecutorFailureCommitsWIP(t *testing.T) {
	vcs := &memVCS{}
	w, _ := newTestWorker(t, vcs, &scriptedExecutor{msgs: []transport.Message{
		{Role: "assistant", Content: "starting"},
		{Role: "error", Content: "model unavailable"},
	}})
	require.NoError(t, w.Start())

	vcs.mu.Lock()
	vcs.dirty = true
	vcs.mu.Unlock()

	err := w.Execute(context.Background(), "Fix the bug", "t2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")

	// Partial work was preserved.
	messages := vcs.messages()
	require.NotEmpty(t, messages)
	assert.Contains(t, messages[len(messages)-1], "WIP: Fix the bug")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 50))
	long := truncate(string(make([]rune, 100)), 50)
	assert.Len(t, []rune(long), 50)
}
