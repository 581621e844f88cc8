// Package codehost implements the workflow CodeHost surface against
// the GitHub API.
package codehost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/cogentd/pkg/workflow"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultPollTimeout  = 30 * time.Minute
)

// Config holds code-host settings for one repository.
type Config struct {
	// Owner is the user or organization the repository lives under.
	Owner string
	// Repo is the repository reviews are opened against.
	Repo  string
	Token string

	// BaseURL overrides the API endpoint. Tests point this at a local
	// server; empty means api.github.com.
	BaseURL string

	// Poll cadence for MergeOnChecksPass.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Client talks to GitHub for one repository.
type Client struct {
	gh     *github.Client
	cfg    Config
	logger *zap.Logger
}

var _ workflow.CodeHost = (*Client)(nil)

// NewClient builds a GitHub client with a static token source.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}

	var httpClient *http.Client
	if cfg.Token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: cfg.Token},
		))
	}

	gh := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		gh.BaseURL = base
		gh.UploadURL = base
	}

	return &Client{gh: gh, cfg: cfg, logger: logger.Named("codehost")}, nil
}

// EnsureRepo returns the clone URL of the named repository, creating a
// private repository under the authenticated user when it is absent.
func (c *Client) EnsureRepo(ctx context.Context, name string) (string, error) {
	repo, resp, err := c.gh.Repositories.Get(ctx, c.cfg.Owner, name)
	if err == nil {
		return repo.GetCloneURL(), nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return "", fmt.Errorf("get repository %s/%s: %w", c.cfg.Owner, name, err)
	}

	c.logger.Info("creating repository", zap.String("name", name))
	created, _, err := c.gh.Repositories.Create(ctx, "", &github.Repository{
		Name:        github.String(name),
		Private:     github.Bool(true),
		Description: github.String("Project managed by cogentd"),
	})
	if err != nil {
		return "", fmt.Errorf("create repository %s: %w", name, err)
	}
	return created.GetCloneURL(), nil
}

// OpenReview opens a pull request.
func (c *Client) OpenReview(ctx context.Context, req workflow.ReviewRequest) (*workflow.Review, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, c.cfg.Owner, c.cfg.Repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Body:  github.String(req.Body),
		Head:  github.String(req.Head),
		Base:  github.String(req.Base),
		Draft: github.Bool(req.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	c.logger.Info("opened pull request",
		zap.Int("number", pr.GetNumber()), zap.String("url", pr.GetHTMLURL()))

	return &workflow.Review{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Head:   req.Head,
		Base:   req.Base,
	}, nil
}

// MergeOnChecksPass watches the pull request in the background and
// squash-merges it once its combined status goes green. The caller is
// never blocked; the outcome lands in the log.
func (c *Client) MergeOnChecksPass(ctx context.Context, number int) {
	// The watch outlives the calling task.
	watchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PollTimeout)

	go func() {
		defer cancel()

		logger := c.logger.With(zap.Int("pr", number))
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				logger.Warn("gave up waiting for checks", zap.Error(watchCtx.Err()))
				return
			case <-ticker.C:
				done, err := c.tryMerge(watchCtx, number, logger)
				if err != nil {
					logger.Warn("check poll failed", zap.Error(err))
					continue
				}
				if done {
					return
				}
			}
		}
	}()
}

// tryMerge reports done=true when the PR is merged, already merged, or
// permanently unmergeable.
func (c *Client) tryMerge(ctx context.Context, number int, logger *zap.Logger) (bool, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.cfg.Owner, c.cfg.Repo, number)
	if err != nil {
		return false, fmt.Errorf("get pull request: %w", err)
	}
	if pr.GetMerged() {
		logger.Info("pull request already merged")
		return true, nil
	}
	if pr.GetState() == "closed" {
		logger.Info("pull request closed without merge")
		return true, nil
	}

	status, _, err := c.gh.Repositories.GetCombinedStatus(
		ctx, c.cfg.Owner, c.cfg.Repo, pr.GetHead().GetSHA(), nil)
	if err != nil {
		return false, fmt.Errorf("get combined status: %w", err)
	}

	switch status.GetState() {
	case "success":
		_, _, err := c.gh.PullRequests.Merge(ctx, c.cfg.Owner, c.cfg.Repo, number, "",
			&github.PullRequestOptions{MergeMethod: "squash"})
		if err != nil {
			return false, fmt.Errorf("merge: %w", err)
		}
		logger.Info("merged pull request")
		return true, nil
	case "failure", "error":
		logger.Warn("checks failed, not merging", zap.String("state", status.GetState()))
		return true, nil
	default:
		// Pending; keep polling.
		return false, nil
	}
}
