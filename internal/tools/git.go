package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrGitDisabled is returned when git operations are switched off by configuration.
var ErrGitDisabled = errors.New("git operations disabled")

// GitTool runs git in a working tree. Secrets are masked in every error it returns.
type GitTool struct {
	WorkingDir  string
	AllowExec   bool
	DryRunOnly  bool
	AuthorName  string
	AuthorEmail string
	Secrets     []string
}

// Status returns git status --short.
func (g *GitTool) Status(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--short")
}

// HasChanges reports whether the working tree differs from HEAD, untracked files included.
func (g *GitTool) HasChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// ApplyPatch applies a unified diff; when dryRun=true it only checks that it applies.
func (g *GitTool) ApplyPatch(ctx context.Context, patch string, dryRun bool) (string, error) {
	if strings.TrimSpace(patch) == "" {
		return "", fmt.Errorf("patch is empty")
	}
	if g.DryRunOnly && !dryRun {
		return "", fmt.Errorf("apply_patch is restricted to dry-run mode")
	}
	args := []string{"apply", "--whitespace=nowarn", "--recount"}
	if dryRun {
		args = append(args, "--check")
	}
	args = append(args, "-")
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}
	return g.runWithInput(ctx, patch, args...)
}

// DiffStat summarises uncommitted changes.
func (g *GitTool) DiffStat(ctx context.Context) (string, error) {
	return g.run(ctx, "diff", "--stat", "HEAD")
}

// Clone clones url into WorkingDir, which must not exist or be empty.
func (g *GitTool) Clone(ctx context.Context, url, branch string) error {
	args := []string{"clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, g.WorkingDir)
	_, err := g.exec(ctx, "", "", args...)
	return err
}

// CurrentBranch returns the checked out branch name.
func (g *GitTool) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// CommitAll stages every change and commits it with the configured author.
func (g *GitTool) CommitAll(ctx context.Context, message string) error {
	if _, err := g.run(ctx, "add", "--all"); err != nil {
		return err
	}
	args := []string{"commit", "--quiet", "--no-verify", "-m", message}
	if g.AuthorName != "" && g.AuthorEmail != "" {
		args = append([]string{"-c", "user.name=" + g.AuthorName, "-c", "user.email=" + g.AuthorEmail}, args...)
	}
	_, err := g.run(ctx, args...)
	return err
}

// Push pushes branch to origin, replacing a previous push of the same branch.
func (g *GitTool) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "--quiet", "--force", "origin", "HEAD:refs/heads/"+branch)
	return err
}

// AddWorktree checks branch out at path, creating or resetting it from base.
func (g *GitTool) AddWorktree(ctx context.Context, path, branch, base string) error {
	_, err := g.run(ctx, "worktree", "add", "--quiet", "-B", branch, path, base)
	return err
}

// RemoveWorktree deletes the work tree at path, discarding its changes.
func (g *GitTool) RemoveWorktree(ctx context.Context, path string) error {
	_, err := g.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// PruneWorktrees forgets work trees whose directories are gone.
func (g *GitTool) PruneWorktrees(ctx context.Context) error {
	_, err := g.run(ctx, "worktree", "prune")
	return err
}

// DeleteBranch force-deletes a local branch.
func (g *GitTool) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "branch", "--quiet", "-D", name)
	return err
}

// CheckBranchName fails when name is not a valid branch name.
func (g *GitTool) CheckBranchName(ctx context.Context, name string) error {
	_, err := g.exec(ctx, "", "", "check-ref-format", "--branch", name)
	return err
}

// CommitsAhead counts commits on HEAD that base does not have.
func (g *GitTool) CommitsAhead(ctx context.Context, base string) (int, error) {
	out, err := g.run(ctx, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("git rev-list: unexpected output %q", out)
	}
	return n, nil
}

func (g *GitTool) run(ctx context.Context, args ...string) (string, error) {
	return g.runWithInput(ctx, "", args...)
}

func (g *GitTool) runWithInput(ctx context.Context, input string, args ...string) (string, error) {
	return g.exec(ctx, g.WorkingDir, input, args...)
}

func (g *GitTool) exec(ctx context.Context, dir, input string, args ...string) (string, error) {
	if !g.AllowExec {
		return "", ErrGitDisabled
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	if err := cmd.Run(); err != nil {
		return g.redact(stderr.String()), fmt.Errorf("git %s: %w: %s", gitVerb(args), err, g.redact(strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}

func (g *GitTool) redact(s string) string {
	for _, secret := range g.Secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "***")
		}
	}
	return s
}

func gitVerb(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}
