package mirror

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/archlinux/buildbtw/pkg/domain"
)

// Git runs git operations against local repository directories.
//
// All methods are blocking; callers bound them with the context.
type Git interface {
	Clone(ctx context.Context, dir string, url string) error
	Fetch(ctx context.Context, dir string) error

	// BranchHeads lists the commit each remote branch points at.
	BranchHeads(ctx context.Context, dir string) (map[domain.BranchName]domain.CommitHash, error)

	// ShowFile reads path as of commit.
	ShowFile(ctx context.Context, dir string, commit domain.CommitHash, path string) ([]byte, error)
}

// ExecGit shells out to the git binary.
type ExecGit struct{}

func (ExecGit) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf(
			"git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()),
		)
	}
	return stdout.Bytes(), nil
}

func (g ExecGit) Clone(ctx context.Context, dir string, url string) error {
	_, err := g.run(ctx, ".", "clone", "--quiet", url, dir)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrGitFetchFailed, err)
	}
	return nil
}

func (g ExecGit) Fetch(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "fetch", "--quiet", "--prune", "origin", "+refs/heads/*:refs/remotes/origin/*")
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrGitFetchFailed, err)
	}
	return nil
}

func (g ExecGit) BranchHeads(ctx context.Context, dir string) (map[domain.BranchName]domain.CommitHash, error) {
	out, err := g.run(
		ctx, dir,
		"for-each-ref", "--format=%(refname:short) %(objectname)", "refs/remotes/origin",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrGitFetchFailed, err)
	}

	heads := map[domain.BranchName]domain.CommitHash{}
	for _, line := range strings.Split(string(out), "\n") {
		ref, commit, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		branch := strings.TrimPrefix(ref, "origin/")
		if branch == "HEAD" {
			continue
		}
		heads[domain.BranchName(branch)] = domain.CommitHash(commit)
	}
	return heads, nil
}

func (g ExecGit) ShowFile(ctx context.Context, dir string, commit domain.CommitHash, path string) ([]byte, error) {
	return g.run(ctx, dir, "show", fmt.Sprintf("%s:%s", commit, path))
}
