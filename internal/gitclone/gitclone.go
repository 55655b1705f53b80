// Package gitclone fetches the licdata source repositories that go into an
// image build context.
package gitclone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// LicdataRepositories are the repositories baked into licdata images.
var LicdataRepositories = []string{
	"https://github.com/acmsl-def/licdata-application",
	"https://github.com/acmsl-def/licdata-infrastructure",
	"https://github.com/acmsl-def/licdata-domain",
}

// ErrNoRepositories is returned by CloneAll when there is nothing to clone.
var ErrNoRepositories = errors.New("gitclone: no repositories")

// Result describes a checked out repository.
type Result struct {
	URL       string
	Name      string
	Path      string
	CommitSHA string
	Branch    string
}

// Cloner performs (by default shallow) clones with go-git.
type Cloner struct {
	// Depth limits history; 0 clones everything.
	Depth int

	// Branch, when set, clones only that branch.
	Branch string

	logger *slog.Logger
}

// New returns a Cloner producing depth-1 clones.
func New(logger *slog.Logger) *Cloner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloner{Depth: 1, logger: logger}
}

// Clone checks out url into dir/<repo name>, replacing anything already there.
func (c *Cloner) Clone(ctx context.Context, url, dir string) (Result, error) {
	name := RepoName(url)
	if name == "" {
		return Result{}, fmt.Errorf("gitclone: cannot derive a repository name from %q", url)
	}
	dest := filepath.Join(dir, name)

	if err := os.RemoveAll(dest); err != nil {
		return Result{}, fmt.Errorf("gitclone: clean %s: %w", dest, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("gitclone: create %s: %w", dir, err)
	}

	opts := &git.CloneOptions{URL: url, Depth: c.Depth}
	if c.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(c.Branch)
		opts.SingleBranch = true
	}

	c.logger.Info("repository_clone_started", "url", url, "path", dest, "depth", c.Depth)
	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return Result{}, fmt.Errorf("gitclone: clone %s: %w", url, err)
	}

	head, err := repo.Head()
	if err != nil {
		return Result{}, fmt.Errorf("gitclone: resolve HEAD of %s: %w", url, err)
	}

	res := Result{
		URL:       url,
		Name:      name,
		Path:      dest,
		CommitSHA: head.Hash().String(),
		Branch:    head.Name().Short(),
	}
	c.logger.Info("repository_cloned", "url", url, "commit", res.CommitSHA, "branch", res.Branch)
	return res, nil
}

// CloneAll clones every url into dir, stopping at the first failure.
func (c *Cloner) CloneAll(ctx context.Context, dir string, urls ...string) ([]Result, error) {
	if len(urls) == 0 {
		return nil, ErrNoRepositories
	}
	out := make([]Result, 0, len(urls))
	for _, u := range urls {
		res, err := c.Clone(ctx, u, dir)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// RepoName returns the last path element of a repository url without a
// trailing ".git". SSH style urls (git@host:owner/repo) are accepted.
func RepoName(url string) string {
	url = strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	return url
}
