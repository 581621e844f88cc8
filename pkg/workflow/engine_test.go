package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeVCS is an in-memory VersionControl.
type fakeVCS struct {
	mu sync.Mutex

	isRepo    bool
	branch    string
	hasRemote bool
	remoteURL string
	dirty     []string
	staged    []string
	commits   []Commit

	pushErrs []error // popped per push call; nil entry = success
	branches []string
}

func (f *fakeVCS) Init(initialBranch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isRepo {
		return false, nil
	}
	f.isRepo = true
	f.branch = initialBranch
	return true, nil
}

func (f *fakeVCS) Status() (RepoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return RepoStatus{
		IsRepo:    f.isRepo,
		Branch:    f.branch,
		HasRemote: f.hasRemote,
		RemoteURL: f.remoteURL,
		Clean:     len(f.dirty) == 0 && len(f.staged) == 0,
		Staged:    append([]string(nil), f.staged...),
		Modified:  append([]string(nil), f.dirty...),
	}, nil
}

func (f *fakeVCS) CreateBranch(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, name)
	f.branch = name
	return nil
}

func (f *fakeVCS) Checkout(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.branches {
		if b == name {
			f.branch = name
			return nil
		}
	}
	if f.branch == name {
		return nil
	}
	return fmt.Errorf("branch %s not found", name)
}

func (f *fakeVCS) Stage(files []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if files == nil {
		f.staged = append(f.staged, f.dirty...)
		f.dirty = nil
		return nil
	}
	f.staged = append(f.staged, files...)
	return nil
}

func (f *fakeVCS) Commit(message string, allowEmpty bool) (*Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.staged) == 0 && !allowEmpty {
		return nil, nil
	}
	f.staged = nil
	c := Commit{
		SHA:      fmt.Sprintf("%040d", len(f.commits)+1),
		ShortSHA: fmt.Sprintf("%07d", len(f.commits)+1),
		Message:  message,
		When:     time.Now().UTC(),
	}
	f.commits = append(f.commits, c)
	return &c, nil
}

func (f *fakeVCS) Push(ctx context.Context, remote, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		return err
	}
	return nil
}

func (f *fakeVCS) AddRemote(name, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasRemote = true
	f.remoteURL = url
	return nil
}

func (f *fakeVCS) RecentCommits(n int) ([]Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := append([]Commit(nil), f.commits...)
	// newest first
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	if len(commits) > n {
		commits = commits[:n]
	}
	return commits, nil
}

func (f *fakeVCS) markDirty(files ...string) {
	f.mu.Lock()
	f.dirty = append(f.dirty, files...)
	f.mu.Unlock()
}

// fakeHost records code-host calls.
type fakeHost struct {
	mu         sync.Mutex
	ensured    []string
	reviews    []ReviewRequest
	merged     []int
	reviewErr  error
	nextReview int
}

func (f *fakeHost) EnsureRepo(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, name)
	return "https://example.test/" + name + ".git", nil
}

func (f *fakeHost) OpenReview(_ context.Context, req ReviewRequest) (*Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reviewErr != nil {
		return nil, f.reviewErr
	}
	f.nextReview++
	f.reviews = append(f.reviews, req)
	return &Review{
		Number: f.nextReview,
		URL:    fmt.Sprintf("https://example.test/pr/%d", f.nextReview),
		Head:   req.Head,
		Base:   req.Base,
	}, nil
}

func (f *fakeHost) MergeOnChecksPass(_ context.Context, number int) {
	f.mu.Lock()
	f.merged = append(f.merged, number)
	f.mu.Unlock()
}

// fakeTests returns a fixed outcome.
type fakeTests struct {
	outcome TestOutcome
	err     error
}

func (f *fakeTests) Run(context.Context, time.Duration) (TestOutcome, error) {
	return f.outcome, f.err
}

func newTestEngine(cfg Config, vcs VersionControl, host CodeHost, tests TestRunner) *Engine {
	return NewEngine(cfg, vcs, host, tests, zap.NewNop())
}

// drainEvents collects every event currently buffered.
func drainEvents(e *Engine) []string {
	var names []string
	for {
		select {
		case ev := <-e.Events():
			names = append(names, ev.Name)
		default:
			return names
		}
	}
}

func TestStartTask_CreatesFeatureBranch(t *testing.T) {
	vcs := &fakeVCS{}
	engine := newTestEngine(Config{ProjectName: "demo"}, vcs, nil, nil)

	result := engine.StartTask(context.Background(), "Add search endpoint", "t1")

	require.True(t, result.Success)
	assert.Equal(t, "t1", result.TaskID)
	assert.Equal(t, "feature/t1-add-search-endpoint", result.Branch)
	assert.Equal(t, StateDeveloping, engine.State())

	names := drainEvents(engine)
	assert.Equal(t, []string{"workflow_started", "branch_created"}, names)
}

func TestStartTask_GeneratesTaskID(t *testing.T) {
	vcs := &fakeVCS{}
	engine := newTestEngine(Config{}, vcs, nil, nil)

	result := engine.StartTask(context.Background(), "something", "")
	require.True(t, result.Success)
	assert.Len(t, result.TaskID, 8)
	assert.True(t, strings.HasPrefix(result.Branch, "feature/"+result.TaskID+"-"))
}

func TestStartTask_CreatesHostRepoWhenNoRemote(t *testing.T) {
	vcs := &fakeVCS{}
	host := &fakeHost{}
	engine := newTestEngine(Config{ProjectName: "demo"}, vcs, host, nil)

	result := engine.StartTask(context.Background(), "bootstrap", "t1")
	require.True(t, result.Success)

	assert.Equal(t, []string{"demo"}, host.ensured)
	assert.True(t, vcs.hasRemote)
	assert.Equal(t, "https://example.test/demo.git", vcs.remoteURL)
	// Empty tree got its initial commit before the repo was created.
	require.NotEmpty(t, vcs.commits)
	assert.Equal(t, "Initial commit", vcs.commits[0].Message)

	names := drainEvents(engine)
	assert.Contains(t, names, "host_repo_created")
}

func TestCommitChanges(t *testing.T) {
	vcs := &fakeVCS{isRepo: true, branch: "main"}
	engine := newTestEngine(Config{}, vcs, nil, nil)

	// Clean tree: nil commit, no event.
	commit, err := engine.CommitChanges("noop", nil)
	require.NoError(t, err)
	assert.Nil(t, commit)
	assert.Empty(t, drainEvents(engine))

	vcs.markDirty("main.go")
	commit, err = engine.CommitChanges("add main", nil)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, "add main", commit.Message)
	assert.Equal(t, []string{"commit_created"}, drainEvents(engine))
	assert.Equal(t, StateDeveloping, engine.State())
}

func TestCompleteTask_FullLifecycle(t *testing.T) {
	vcs := &fakeVCS{}
	host := &fakeHost{}
	tests := &fakeTests{outcome: TestOutcome{Success: true, Passed: 12, Total: 12}}
	engine := newTestEngine(Config{
		ProjectName:  "demo",
		RunTests:     true,
		AutoCreatePR: true,
		AutoMerge:    true,
	}, vcs, host, tests)

	start := engine.StartTask(context.Background(), "Implement cache", "t9")
	require.True(t, start.Success)
	vcs.markDirty("cache.go")
	drainEvents(engine)

	result := engine.CompleteTask(context.Background(), "", "")

	require.True(t, result.Success, "err: %s", result.Err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "feature/t9-implement-cache", result.Branch)
	require.NotNil(t, result.Review)
	assert.Equal(t, 1, result.Review.Number)
	require.NotNil(t, result.Tests)
	assert.True(t, result.Tests.Success)
	assert.Len(t, result.Commits, 1)

	// Auto-merge was requested for the opened review.
	assert.Equal(t, []int{1}, host.merged)

	// Generated title carries the task id, body summarizes commits.
	require.Len(t, host.reviews, 1)
	assert.Equal(t, "[t9] Implement Cache", host.reviews[0].Title)
	assert.NotContains(t, host.reviews[0].Body, finalCommitMsg)

	names := drainEvents(engine)
	assert.Equal(t, []string{
		"testing_started",
		"testing_completed",
		"commit_created",
		"pushing",
		"pr_creating",
		"pr_created",
		"auto_merge_enabled",
		"workflow_completed",
	}, names)
}

func TestCompleteTask_TestFailureShortCircuits(t *testing.T) {
	vcs := &fakeVCS{}
	host := &fakeHost{}
	tests := &fakeTests{outcome: TestOutcome{Success: false, Failed: 2, Passed: 5}}
	engine := newTestEngine(Config{
		ProjectName:  "demo",
		RunTests:     true,
		AutoCreatePR: true,
	}, vcs, host, tests)

	require.True(t, engine.StartTask(context.Background(), "broken", "t2").Success)
	drainEvents(engine)

	result := engine.CompleteTask(context.Background(), "", "")

	assert.False(t, result.Success)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, "tests failed: 2 failures", result.Err)
	require.NotNil(t, result.Tests)

	// Nothing got pushed or reviewed.
	assert.Empty(t, host.reviews)
	names := drainEvents(engine)
	assert.NotContains(t, names, "pushing")
	assert.NotContains(t, names, "pr_created")
	assert.Contains(t, names, "workflow_failed")
}

func TestCompleteTask_UnrunnableTestsReportReason(t *testing.T) {
	vcs := &fakeVCS{}
	tests := &fakeTests{outcome: TestOutcome{
		Success: false,
		Err:     "could not detect test framework",
	}}
	engine := newTestEngine(Config{
		ProjectName: "demo",
		RunTests:    true,
	}, vcs, nil, tests)

	require.True(t, engine.StartTask(context.Background(), "untestable", "t3").Success)
	drainEvents(engine)

	result := engine.CompleteTask(context.Background(), "", "")

	assert.False(t, result.Success)
	assert.Equal(t, "tests failed: could not detect test framework", result.Err)
}

func TestCompleteTask_PushCreatesMissingRemote(t *testing.T) {
	vcs := &fakeVCS{
		isRepo:   true,
		branch:   "feature/t3-x",
		pushErrs: []error{errors.New("no remote configured"), nil},
	}
	vcs.commits = []Commit{{SHA: "abc", Message: "earlier work"}}
	host := &fakeHost{}
	engine := newTestEngine(Config{ProjectName: "demo"}, vcs, host, nil)

	engine.mu.Lock()
	engine.taskID = "t3"
	engine.mu.Unlock()

	result := engine.CompleteTask(context.Background(), "", "")
	require.True(t, result.Success, "err: %s", result.Err)
	assert.Equal(t, []string{"demo"}, host.ensured)
	assert.True(t, vcs.hasRemote)
}

func TestCompleteTask_ReviewErrorFails(t *testing.T) {
	vcs := &fakeVCS{}
	host := &fakeHost{reviewErr: errors.New("api down")}
	engine := newTestEngine(Config{ProjectName: "demo", AutoCreatePR: true}, vcs, host, nil)

	require.True(t, engine.StartTask(context.Background(), "x", "t4").Success)
	result := engine.CompleteTask(context.Background(), "", "")

	assert.False(t, result.Success)
	assert.Equal(t, StateFailed, engine.State())
	assert.Contains(t, result.Err, "open review")
	assert.Equal(t, "feature/t4-x", result.Branch)
}

func TestAutoCommit_CommitsDirtyTree(t *testing.T) {
	vcs := &fakeVCS{}
	engine := newTestEngine(Config{AutoCommitInterval: 20 * time.Millisecond}, vcs, nil, nil)

	require.True(t, engine.StartTask(context.Background(), "wip", "t5").Success)
	t.Cleanup(engine.Stop)
	drainEvents(engine)

	vcs.markDirty("notes.txt")

	require.Eventually(t, func() bool {
		vcs.mu.Lock()
		defer vcs.mu.Unlock()
		for _, c := range vcs.commits {
			if c.Message == "Auto-commit: work in progress" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	engine.Stop()
	engine.Stop() // idempotent
}

func TestStatus(t *testing.T) {
	vcs := &fakeVCS{isRepo: true, branch: "main"}
	vcs.markDirty("a.go", "b.go")
	engine := newTestEngine(Config{}, vcs, nil, nil)

	status, err := engine.Status()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, "main", status.Branch)
	assert.False(t, status.Clean)
	assert.Equal(t, 2, status.ModifiedFiles)
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Add search endpoint":       "add-search-endpoint",
		"Fix: crash on empty input": "fix-crash-on-empty-input",
		"  spaced   out  ":          "spaced-out",
		"UPPER_case-kept":           "upper_case-kept",
		"":                          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, slugify(in), "input %q", in)
	}

	long := slugify(strings.Repeat("verylongword ", 10))
	assert.LessOrEqual(t, len(long), slugMaxLen)
}
