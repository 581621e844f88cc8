// Package workflow drives the development lifecycle for one project:
// branch, develop, test, commit, push, review, merge.
//
// The engine is a state machine. Forward transitions follow
// idle → branching → developing → testing → committing → pushing →
// pr_creating → waiting_checks → merging → completed; failed is
// reachable from any non-terminal state. Progress surfaces as events
// on a buffered channel; emission never blocks the engine.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is one workflow lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateBranching     State = "branching"
	StateDeveloping    State = "developing"
	StateTesting       State = "testing"
	StateCommitting    State = "committing"
	StatePushing       State = "pushing"
	StatePRCreating    State = "pr_creating"
	StateWaitingChecks State = "waiting_checks"
	StateMerging       State = "merging"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

const (
	eventBuffer    = 64
	finalCommitMsg = "Final changes before PR"
	slugMaxLen     = 30
)

// Config holds workflow policy for one project.
type Config struct {
	// ProjectName names the code-host repository.
	ProjectName string

	BranchPrefix string
	BaseBranch   string

	// AutoCommitInterval of zero disables the auto-commit loop.
	AutoCommitInterval  time.Duration
	CommitMessagePrefix string

	RunTests    bool
	TestTimeout time.Duration

	AutoCreatePR bool
	AutoMerge    bool
}

func (c Config) withDefaults() Config {
	if c.BranchPrefix == "" {
		c.BranchPrefix = "feature"
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.TestTimeout == 0 {
		c.TestTimeout = 5 * time.Minute
	}
	return c
}

// Event is one lifecycle notification.
type Event struct {
	Name string
	Data map[string]any
}

// Result is the outcome of StartTask or CompleteTask. A failed run
// carries the partial result: whatever branch, commits, and test
// outcome existed when the step broke.
type Result struct {
	TaskID  string
	Success bool
	State   State
	Branch  string
	Commits []Commit
	Tests   *TestOutcome
	Review  *Review
	Err     string
}

// Engine coordinates version control, the code host, and the test
// runner for one project directory. Host and tests may be nil; the
// corresponding phases are skipped.
type Engine struct {
	cfg    Config
	vcs    VersionControl
	host   CodeHost
	tests  TestRunner
	logger *zap.Logger

	events chan Event

	mu         sync.Mutex
	state      State
	taskID     string
	lastCommit time.Time

	acCancel context.CancelFunc
	acDone   chan struct{}
}

// NewEngine creates a workflow engine.
func NewEngine(cfg Config, vcs VersionControl, host CodeHost, tests TestRunner, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		vcs:    vcs,
		host:   host,
		tests:  tests,
		logger: logger.Named("workflow"),
		events: make(chan Event, eventBuffer),
		state:  StateIdle,
	}
}

// Events returns the lifecycle event channel. The channel is never
// closed; a full buffer drops the event with a log line rather than
// blocking the engine.
func (e *Engine) Events() <-chan Event { return e.events }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) emit(name string, data map[string]any) {
	select {
	case e.events <- Event{Name: name, Data: data}:
	default:
		e.logger.Warn("event dropped, buffer full", zap.String("event", name))
	}
}

// StartTask opens a new development task: ensures the repository and
// its remote exist, creates the feature branch, and starts the
// auto-commit loop. Returns a failed result rather than an error so a
// broken start still reports its task id and state.
func (e *Engine) StartTask(ctx context.Context, description, taskID string) Result {
	if taskID == "" {
		taskID = uuid.NewString()[:8]
	}

	e.mu.Lock()
	e.taskID = taskID
	e.mu.Unlock()

	e.setState(StateBranching)
	e.emit("workflow_started", map[string]any{"task_id": taskID})

	created, err := e.vcs.Init(e.cfg.BaseBranch)
	if err != nil {
		return e.fail(taskID, "", nil, nil, fmt.Errorf("init repository: %w", err))
	}
	if created {
		e.logger.Info("initialized repository")
	}

	status, err := e.vcs.Status()
	if err != nil {
		return e.fail(taskID, "", nil, nil, fmt.Errorf("repository status: %w", err))
	}

	if !status.HasRemote && e.host != nil {
		if err := e.ensureHostRepo(ctx); err != nil {
			return e.fail(taskID, "", nil, nil, err)
		}
	}

	branch := e.branchName(description, taskID)

	// Branch from the base when possible; a missing base branch on a
	// fresh repository is not fatal.
	if status.Branch != e.cfg.BaseBranch {
		if err := e.vcs.Checkout(e.cfg.BaseBranch); err != nil {
			e.logger.Debug("base branch checkout skipped",
				zap.String("base", e.cfg.BaseBranch), zap.Error(err))
		}
	}

	if err := e.vcs.CreateBranch(branch); err != nil {
		return e.fail(taskID, branch, nil, nil, fmt.Errorf("create branch %s: %w", branch, err))
	}

	e.setState(StateDeveloping)

	if e.cfg.AutoCommitInterval > 0 {
		e.startAutoCommit()
	}

	e.emit("branch_created", map[string]any{
		"task_id": taskID,
		"branch":  branch,
	})

	return Result{TaskID: taskID, Success: true, State: StateDeveloping, Branch: branch}
}

// CommitChanges stages and commits current work. Nothing to commit is
// a nil commit, not an error.
func (e *Engine) CommitChanges(message string, files []string) (*Commit, error) {
	e.setState(StateCommitting)
	defer e.setState(StateDeveloping)

	if e.cfg.CommitMessagePrefix != "" {
		message = e.cfg.CommitMessagePrefix + " " + message
	}

	if err := e.vcs.Stage(files); err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}
	commit, err := e.vcs.Commit(message, false)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if commit != nil {
		e.mu.Lock()
		e.lastCommit = time.Now().UTC()
		e.mu.Unlock()
		e.emit("commit_created", map[string]any{
			"sha":     commit.ShortSHA,
			"message": commit.Message,
		})
	}
	return commit, nil
}

// CompleteTask finishes the current task: run tests, commit remaining
// work, push, open a review, and arrange auto-merge. A test failure
// short-circuits before anything is pushed.
func (e *Engine) CompleteTask(ctx context.Context, prTitle, prBody string) Result {
	e.mu.Lock()
	taskID := e.taskID
	e.mu.Unlock()
	if taskID == "" {
		taskID = "unknown"
	}

	// Stop the ticker before the final commit so the two never race.
	e.stopAutoCommit()

	var commits []Commit
	var outcome *TestOutcome

	status, err := e.vcs.Status()
	if err != nil {
		return e.fail(taskID, "", commits, outcome, fmt.Errorf("repository status: %w", err))
	}
	branch := status.Branch

	if e.cfg.RunTests && e.tests != nil {
		e.setState(StateTesting)
		e.emit("testing_started", map[string]any{"task_id": taskID})

		res, err := e.tests.Run(ctx, e.cfg.TestTimeout)
		if err != nil {
			return e.fail(taskID, branch, commits, outcome, fmt.Errorf("run tests: %w", err))
		}
		outcome = &res

		e.emit("testing_completed", map[string]any{
			"task_id": taskID,
			"success": res.Success,
			"passed":  res.Passed,
			"failed":  res.Failed,
		})

		if !res.Success {
			reason := fmt.Sprintf("%d failures", res.Failed)
			if res.Err != "" {
				reason = res.Err
			}
			return e.fail(taskID, branch, commits, outcome,
				fmt.Errorf("tests failed: %s", reason))
		}
	}

	final, err := e.CommitChanges(finalCommitMsg, nil)
	if err != nil {
		return e.fail(taskID, branch, commits, outcome, err)
	}
	if final != nil {
		commits = append(commits, *final)
	}

	e.setState(StatePushing)
	e.emit("pushing", map[string]any{"task_id": taskID, "branch": branch})

	if err := e.push(ctx, branch); err != nil {
		return e.fail(taskID, branch, commits, outcome, err)
	}

	var review *Review
	if e.cfg.AutoCreatePR && e.host != nil {
		e.setState(StatePRCreating)
		e.emit("pr_creating", map[string]any{"task_id": taskID})

		if prTitle == "" {
			prTitle = e.defaultReviewTitle(taskID, branch)
		}
		if prBody == "" {
			prBody = e.defaultReviewBody(outcome)
		}

		review, err = e.host.OpenReview(ctx, ReviewRequest{
			Title: prTitle,
			Body:  prBody,
			Head:  branch,
			Base:  e.cfg.BaseBranch,
		})
		if err != nil {
			return e.fail(taskID, branch, commits, outcome, fmt.Errorf("open review: %w", err))
		}

		e.emit("pr_created", map[string]any{
			"task_id":   taskID,
			"pr_number": review.Number,
			"pr_url":    review.URL,
		})

		if e.cfg.AutoMerge {
			e.setState(StateWaitingChecks)
			e.host.MergeOnChecksPass(ctx, review.Number)
			e.emit("auto_merge_enabled", map[string]any{
				"task_id":   taskID,
				"pr_number": review.Number,
			})
		}
	}

	e.setState(StateCompleted)
	e.mu.Lock()
	e.taskID = ""
	e.mu.Unlock()

	data := map[string]any{"task_id": taskID}
	if review != nil {
		data["pr_url"] = review.URL
	}
	e.emit("workflow_completed", data)

	return Result{
		TaskID:  taskID,
		Success: true,
		State:   StateCompleted,
		Branch:  branch,
		Commits: commits,
		Tests:   outcome,
		Review:  review,
	}
}

// push pushes the branch, creating the host repository and retrying
// once when the remote is missing.
func (e *Engine) push(ctx context.Context, branch string) error {
	err := e.vcs.Push(ctx, "origin", branch)
	if err == nil {
		return nil
	}
	if e.host == nil || !strings.Contains(strings.ToLower(err.Error()), "remote") {
		return fmt.Errorf("push %s: %w", branch, err)
	}

	e.logger.Info("push failed without remote, creating host repository", zap.Error(err))
	if hostErr := e.ensureHostRepo(ctx); hostErr != nil {
		return hostErr
	}
	if err := e.vcs.Push(ctx, "origin", branch); err != nil {
		return fmt.Errorf("push %s after creating remote: %w", branch, err)
	}
	return nil
}

// ensureHostRepo creates the hosted repository when needed and wires
// the origin remote, making an initial commit first on an empty tree.
func (e *Engine) ensureHostRepo(ctx context.Context) error {
	status, err := e.vcs.Status()
	if err != nil {
		return fmt.Errorf("repository status: %w", err)
	}
	if status.HasRemote {
		return nil
	}

	if commits, err := e.vcs.RecentCommits(1); err != nil || len(commits) == 0 {
		if err := e.vcs.Stage(nil); err != nil {
			return fmt.Errorf("stage initial commit: %w", err)
		}
		if _, err := e.vcs.Commit("Initial commit", true); err != nil {
			return fmt.Errorf("initial commit: %w", err)
		}
	}

	cloneURL, err := e.host.EnsureRepo(ctx, e.cfg.ProjectName)
	if err != nil {
		return fmt.Errorf("ensure host repository: %w", err)
	}
	if err := e.vcs.AddRemote("origin", cloneURL); err != nil {
		return fmt.Errorf("add origin remote: %w", err)
	}

	e.emit("host_repo_created", map[string]any{"name": e.cfg.ProjectName})
	return nil
}

func (e *Engine) defaultReviewTitle(taskID, branch string) string {
	name := strings.TrimPrefix(branch, e.cfg.BranchPrefix+"/")
	name = strings.TrimPrefix(name, taskID+"-")
	return fmt.Sprintf("[%s] %s", taskID, titleWords(strings.ReplaceAll(name, "-", " ")))
}

func (e *Engine) defaultReviewBody(outcome *TestOutcome) string {
	var lines []string
	if commits, err := e.vcs.RecentCommits(10); err == nil {
		for _, c := range commits {
			if c.Message == finalCommitMsg {
				continue
			}
			lines = append(lines, "- "+c.Message)
		}
	}

	testsLine := "Tests not run"
	if outcome != nil {
		if outcome.Success {
			testsLine = fmt.Sprintf("All tests passed (%d)", outcome.Passed)
		} else {
			testsLine = fmt.Sprintf("Tests failed: %d failures", outcome.Failed)
		}
	}

	return fmt.Sprintf("## Summary\n\nAutomated change.\n\n## Changes\n\n%s\n\n## Test Results\n\n%s\n",
		strings.Join(lines, "\n"), testsLine)
}

// fail flips the workflow to failed and returns the partial result.
func (e *Engine) fail(taskID, branch string, commits []Commit, outcome *TestOutcome, err error) Result {
	e.setState(StateFailed)
	e.logger.Error("workflow failed", zap.String("task_id", taskID), zap.Error(err))
	e.emit("workflow_failed", map[string]any{
		"task_id": taskID,
		"error":   err.Error(),
	})
	return Result{
		TaskID:  taskID,
		Success: false,
		State:   StateFailed,
		Branch:  branch,
		Commits: commits,
		Tests:   outcome,
		Err:     err.Error(),
	}
}

// Status is a read-only snapshot of the workflow and working tree.
type Status struct {
	State         State     `json:"state"`
	TaskID        string    `json:"task_id"`
	Branch        string    `json:"branch"`
	Clean         bool      `json:"is_clean"`
	ModifiedFiles int       `json:"modified_files"`
	StagedFiles   int       `json:"staged_files"`
	LastCommit    time.Time `json:"last_commit"`
}

// Status reports the current workflow and repository state.
func (e *Engine) Status() (Status, error) {
	repo, err := e.vcs.Status()
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:         e.state,
		TaskID:        e.taskID,
		Branch:        repo.Branch,
		Clean:         repo.Clean,
		ModifiedFiles: len(repo.Modified),
		StagedFiles:   len(repo.Staged),
		LastCommit:    e.lastCommit,
	}, nil
}

// Stop halts background work. Safe to call repeatedly.
func (e *Engine) Stop() {
	e.stopAutoCommit()
}

func (e *Engine) startAutoCommit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.acCancel = cancel
	e.acDone = make(chan struct{})

	go func() {
		defer close(e.acDone)
		ticker := time.NewTicker(e.cfg.AutoCommitInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := e.vcs.Status()
				if err != nil {
					e.logger.Error("auto-commit status failed", zap.Error(err))
					continue
				}
				if status.Clean {
					continue
				}
				if _, err := e.CommitChanges("Auto-commit: work in progress", nil); err != nil {
					e.logger.Error("auto-commit failed", zap.Error(err))
				}
			}
		}
	}()
}

func (e *Engine) stopAutoCommit() {
	e.mu.Lock()
	cancel := e.acCancel
	done := e.acDone
	e.acCancel = nil
	e.acDone = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// branchName builds {prefix}/{taskID}-{slug} from the description.
func (e *Engine) branchName(description, taskID string) string {
	return e.cfg.BranchPrefix + "/" + taskID + "-" + slugify(description)
}

func slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '\t':
			b.WriteRune('-')
		}
	}
	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > slugMaxLen {
		slug = slug[:slugMaxLen]
	}
	return strings.Trim(slug, "-")
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
