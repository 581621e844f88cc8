package git

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepo(t *testing.T) (*Repo, string) {
	t.Helper()
	dir := t.TempDir()
	return NewRepo(dir, Config{
		AuthorName:  "Test Author",
		AuthorEmail: "test@example.com",
	}, zap.NewNop()), dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInit(t *testing.T) {
	repo, dir := newTestRepo(t)

	created, err := repo.Init("main")
	require.NoError(t, err)
	assert.True(t, created)

	// Seeded .gitignore.
	_, err = os.Stat(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)

	// Second init is a no-op.
	created, err = repo.Init("main")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestStatus_NotARepo(t *testing.T) {
	repo, _ := newTestRepo(t)

	status, err := repo.Status()
	require.NoError(t, err)
	assert.False(t, status.IsRepo)
	assert.True(t, status.Clean)
}

func TestStatus_FreshRepoReportsUnbornBranch(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.Init("main")
	require.NoError(t, err)

	status, err := repo.Status()
	require.NoError(t, err)
	assert.True(t, status.IsRepo)
	assert.Equal(t, "main", status.Branch)
	assert.False(t, status.HasRemote)
	// The seeded .gitignore is untracked.
	assert.False(t, status.Clean)
	assert.Contains(t, status.Untracked, ".gitignore")
}

func TestCommitLifecycle(t *testing.T) {
	repo, dir := newTestRepo(t)
	_, err := repo.Init("main")
	require.NoError(t, err)

	writeFile(t, dir, "main.go", "package main\n")
	require.NoError(t, repo.Stage(nil))

	commit, err := repo.Commit("add main", false)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, "add main", commit.Message)
	assert.Equal(t, "Test Author <test@example.com>", commit.Author)
	assert.Len(t, commit.SHA, 40)
	assert.Len(t, commit.ShortSHA, 7)

	status, err := repo.Status()
	require.NoError(t, err)
	assert.True(t, status.Clean)

	// Nothing staged: nil commit, no error.
	commit, err = repo.Commit("noop", false)
	require.NoError(t, err)
	assert.Nil(t, commit)

	// Unless empty commits are allowed.
	commit, err = repo.Commit("checkpoint", true)
	require.NoError(t, err)
	require.NotNil(t, commit)
}

func TestBranching(t *testing.T) {
	repo, dir := newTestRepo(t)
	_, err := repo.Init("main")
	require.NoError(t, err)

	writeFile(t, dir, "a.txt", "a")
	require.NoError(t, repo.Stage(nil))
	_, err = repo.Commit("initial", false)
	require.NoError(t, err)

	require.NoError(t, repo.CreateBranch("feature/t1-work"))

	status, err := repo.Status()
	require.NoError(t, err)
	assert.Equal(t, "feature/t1-work", status.Branch)

	require.NoError(t, repo.Checkout("main"))
	status, err = repo.Status()
	require.NoError(t, err)
	assert.Equal(t, "main", status.Branch)

	assert.Error(t, repo.Checkout("does-not-exist"))
}

func TestStageSpecificFiles(t *testing.T) {
	repo, dir := newTestRepo(t)
	_, err := repo.Init("main")
	require.NoError(t, err)

	writeFile(t, dir, "one.txt", "1")
	writeFile(t, dir, "two.txt", "2")

	require.NoError(t, repo.Stage([]string{"one.txt"}))

	status, err := repo.Status()
	require.NoError(t, err)
	assert.Contains(t, status.Staged, "one.txt")
	assert.NotContains(t, status.Staged, "two.txt")
	assert.Contains(t, status.Untracked, "two.txt")
}

func TestRecentCommits(t *testing.T) {
	repo, dir := newTestRepo(t)
	_, err := repo.Init("main")
	require.NoError(t, err)

	// Unborn branch: no commits, no error.
	commits, err := repo.RecentCommits(5)
	require.NoError(t, err)
	assert.Empty(t, commits)

	for _, name := range []string{"first", "second", "third"} {
		writeFile(t, dir, name+".txt", name)
		require.NoError(t, repo.Stage(nil))
		_, err = repo.Commit("add "+name, false)
		require.NoError(t, err)
	}

	commits, err = repo.RecentCommits(2)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "add third", commits[0].Message)
	assert.Equal(t, "add second", commits[1].Message)
}

func TestAddRemote(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.Init("main")
	require.NoError(t, err)

	require.NoError(t, repo.AddRemote("origin", "https://example.test/demo.git"))
	// Idempotent.
	require.NoError(t, repo.AddRemote("origin", "https://example.test/demo.git"))

	status, err := repo.Status()
	require.NoError(t, err)
	assert.True(t, status.HasRemote)
	assert.Equal(t, "https://example.test/demo.git", status.RemoteURL)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "subject", firstLine("subject\n\nbody"))
	assert.Equal(t, "plain", firstLine("plain"))
	assert.Equal(t, "", firstLine(""))
}
