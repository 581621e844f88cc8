// Package git implements the workflow VersionControl surface with
// go-git. Everything operates on a single project directory; no shell
// git binary is involved.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/workflow"
)

// pushAuthUser is the fixed basic-auth username for token pushes.
const pushAuthUser = "x-access-token"

const defaultGitignore = `# Dependencies
node_modules/
vendor/
__pycache__/

# IDE
.idea/
.vscode/
*.swp

# OS
.DS_Store
.env
`

// Config holds commit authorship and push credentials.
type Config struct {
	AuthorName  string
	AuthorEmail string
	// Token authenticates pushes. Empty means unauthenticated remotes.
	Token string
}

// Repo is a go-git backed VersionControl for one directory.
type Repo struct {
	dir    string
	cfg    Config
	logger *zap.Logger
}

var _ workflow.VersionControl = (*Repo)(nil)

// NewRepo creates a Repo rooted at dir. The directory does not need to
// contain a repository yet; Init creates one.
func NewRepo(dir string, cfg Config, logger *zap.Logger) *Repo {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "Cogent Agent"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "agent@cogent.local"
	}
	return &Repo{dir: dir, cfg: cfg, logger: logger.Named("git")}
}

func (r *Repo) open() (*gogit.Repository, error) {
	return gogit.PlainOpen(r.dir)
}

// Init creates a repository on the given initial branch if the
// directory has none, seeding a .gitignore. Reports whether a
// repository was created.
func (r *Repo) Init(initialBranch string) (bool, error) {
	if _, err := r.open(); err == nil {
		return false, nil
	} else if !errors.Is(err, gogit.ErrRepositoryNotExists) {
		return false, fmt.Errorf("open repository: %w", err)
	}

	_, err := gogit.PlainInitWithOptions(r.dir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(initialBranch),
		},
	})
	if err != nil {
		return false, fmt.Errorf("init repository: %w", err)
	}

	gitignore := filepath.Join(r.dir, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		if err := os.WriteFile(gitignore, []byte(defaultGitignore), 0o644); err != nil {
			return false, fmt.Errorf("seed .gitignore: %w", err)
		}
	}

	r.logger.Info("initialized repository",
		zap.String("path", r.dir), zap.String("branch", initialBranch))
	return true, nil
}

// Status returns a snapshot of the working tree. A directory without a
// repository yields IsRepo false and a clean status.
func (r *Repo) Status() (workflow.RepoStatus, error) {
	repo, err := r.open()
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return workflow.RepoStatus{Clean: true}, nil
	}
	if err != nil {
		return workflow.RepoStatus{}, fmt.Errorf("open repository: %w", err)
	}

	status := workflow.RepoStatus{IsRepo: true}

	if head, err := repo.Head(); err == nil {
		if head.Name().IsBranch() {
			status.Branch = head.Name().Short()
		}
	} else if ref, err := repo.Reference(plumbing.HEAD, false); err == nil &&
		ref.Type() == plumbing.SymbolicReference {
		// Unborn branch on a fresh repository.
		status.Branch = ref.Target().Short()
	}

	if remote, err := repo.Remote("origin"); err == nil {
		urls := remote.Config().URLs
		if len(urls) > 0 {
			status.HasRemote = true
			status.RemoteURL = urls[0]
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return workflow.RepoStatus{}, fmt.Errorf("worktree: %w", err)
	}
	files, err := wt.Status()
	if err != nil {
		return workflow.RepoStatus{}, fmt.Errorf("worktree status: %w", err)
	}

	for path, fs := range files {
		switch fs.Staging {
		case gogit.Added, gogit.Modified, gogit.Deleted, gogit.Renamed, gogit.Copied:
			status.Staged = append(status.Staged, path)
		}
		switch fs.Worktree {
		case gogit.Modified, gogit.Deleted:
			status.Modified = append(status.Modified, path)
		case gogit.Untracked:
			status.Untracked = append(status.Untracked, path)
		}
	}
	status.Clean = files.IsClean()

	return status, nil
}

// CreateBranch creates and checks out a branch at HEAD.
func (r *Repo) CreateBranch(name string) error {
	repo, err := r.open()
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	err = wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	r.logger.Info("created branch", zap.String("branch", name))
	return nil
}

// Checkout switches to an existing branch.
func (r *Repo) Checkout(name string) error {
	repo, err := r.open()
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	err = wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
	})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", name, err)
	}
	return nil
}

// Stage stages the given files, or everything when files is nil.
func (r *Repo) Stage(files []string) error {
	repo, err := r.open()
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	if files == nil {
		if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
			return fmt.Errorf("stage all: %w", err)
		}
		return nil
	}
	for _, f := range files {
		if _, err := wt.Add(f); err != nil {
			return fmt.Errorf("stage %s: %w", f, err)
		}
	}
	return nil
}

// Commit records staged changes with the configured author. Nothing
// staged yields (nil, nil) unless allowEmpty is set.
func (r *Repo) Commit(message string, allowEmpty bool) (*workflow.Commit, error) {
	repo, err := r.open()
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}

	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  r.cfg.AuthorName,
			Email: r.cfg.AuthorEmail,
			When:  time.Now(),
		},
		AllowEmptyCommits: allowEmpty,
	})
	if errors.Is(err, gogit.ErrEmptyCommit) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	obj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}

	r.logger.Info("created commit",
		zap.String("sha", hash.String()[:7]), zap.String("message", firstLine(message)))

	return &workflow.Commit{
		SHA:      hash.String(),
		ShortSHA: hash.String()[:7],
		Message:  firstLine(obj.Message),
		Author:   fmt.Sprintf("%s <%s>", obj.Author.Name, obj.Author.Email),
		When:     obj.Author.When,
	}, nil
}

// Push pushes the branch, setting upstream via an explicit refspec.
// Already-up-to-date is success.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	repo, err := r.open()
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	opts := &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)),
		},
	}
	if r.cfg.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: pushAuthUser, Password: r.cfg.Token}
	}

	err = repo.PushContext(ctx, opts)
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("push %s to %s: %w", branch, remote, err)
	}
	r.logger.Info("pushed branch",
		zap.String("remote", remote), zap.String("branch", branch))
	return nil
}

// AddRemote configures a remote. An already-configured remote with the
// same name is success.
func (r *Repo) AddRemote(name, url string) error {
	repo, err := r.open()
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	if errors.Is(err, gogit.ErrRemoteExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("add remote %s: %w", name, err)
	}
	r.logger.Info("added remote", zap.String("name", name), zap.String("url", url))
	return nil
}

// RecentCommits returns up to n commits from HEAD, newest first. An
// unborn branch yields an empty list.
func (r *Repo) RecentCommits(n int) ([]workflow.Commit, error) {
	repo, err := r.open()
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	iter, err := repo.Log(&gogit.LogOptions{})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	var commits []workflow.Commit
	for len(commits) < n {
		obj, err := iter.Next()
		if err != nil {
			break
		}
		commits = append(commits, workflow.Commit{
			SHA:      obj.Hash.String(),
			ShortSHA: obj.Hash.String()[:7],
			Message:  firstLine(obj.Message),
			Author:   fmt.Sprintf("%s <%s>", obj.Author.Name, obj.Author.Email),
			When:     obj.Author.When,
		})
	}
	return commits, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
