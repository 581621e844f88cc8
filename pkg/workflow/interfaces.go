package workflow

import (
	"context"
	"time"
)

// RepoStatus is a snapshot of the working tree.
type RepoStatus struct {
	IsRepo    bool
	Branch    string
	HasRemote bool
	RemoteURL string
	Clean     bool
	Staged    []string
	Modified  []string
	Untracked []string
}

// Commit describes one commit.
type Commit struct {
	SHA      string
	ShortSHA string
	Message  string
	Author   string
	When     time.Time
}

// VersionControl is the repository surface the engine drives.
// Implementations live in pkg/git.
type VersionControl interface {
	// Init creates a repository on the given initial branch if none
	// exists. Reports whether a repository was created.
	Init(initialBranch string) (bool, error)
	Status() (RepoStatus, error)
	// CreateBranch creates and checks out a branch.
	CreateBranch(name string) error
	Checkout(name string) error
	// Stage stages the given files, or everything when files is nil.
	Stage(files []string) error
	// Commit records staged changes. Nothing staged yields (nil, nil)
	// unless allowEmpty is set.
	Commit(message string, allowEmpty bool) (*Commit, error)
	Push(ctx context.Context, remote, branch string) error
	AddRemote(name, url string) error
	RecentCommits(n int) ([]Commit, error)
}

// Review is an opened code review (pull request).
type Review struct {
	Number int
	URL    string
	Head   string
	Base   string
}

// ReviewRequest describes the review to open.
type ReviewRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// CodeHost is the remote hosting surface. Implementations live in
// pkg/codehost.
type CodeHost interface {
	// EnsureRepo returns the clone URL of the named repository,
	// creating it when absent.
	EnsureRepo(ctx context.Context, name string) (string, error)
	OpenReview(ctx context.Context, req ReviewRequest) (*Review, error)
	// MergeOnChecksPass arranges for the review to merge once its
	// checks pass. Fire and forget: the outcome is logged by the
	// implementation, not returned.
	MergeOnChecksPass(ctx context.Context, number int)
}

// TestOutcome is the result of one test run. Success false with a
// populated Err means the run itself could not happen (unknown
// framework, timeout); Success false with Failed > 0 means tests ran
// and failed.
type TestOutcome struct {
	Framework string
	Success   bool
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Output    string
	Err       string
}

// TestRunner executes the project's test suite. Implementations live
// in pkg/testrunner.
type TestRunner interface {
	Run(ctx context.Context, timeout time.Duration) (TestOutcome, error)
}
