package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/animus-coder/agentstream/internal/config"
	"github.com/animus-coder/agentstream/internal/tools"
)

// Workspace is the repository the agent edits. It is cloned once at startup; every session
// then works in its own git work tree on its own branch, so sessions never see or publish
// each other's edits.
type Workspace struct {
	cfg    config.WorkspaceConfig
	git    *tools.GitTool
	client *http.Client
	logger *zap.Logger

	mu    sync.Mutex
	dir   string
	base  string
	trees map[string]*tree
}

// tree is one session's work tree.
type tree struct {
	dir    string
	branch string
	git    *tools.GitTool

	mu sync.Mutex
}

const maxRefName = 64

// Option customizes a Workspace.
type Option func(*Workspace)

// WithHTTPClient sets the client used for the pull request API.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Workspace) { w.client = c }
}

// New prepares a workspace; nothing touches disk until Clone.
func New(cfg config.WorkspaceConfig, logger *zap.Logger, opts ...Option) *Workspace {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workspace{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		trees:  make(map[string]*tree),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.git = &tools.GitTool{
		AllowExec:   true,
		AuthorName:  cfg.AuthorName,
		AuthorEmail: cfg.AuthorEmail,
	}
	if cfg.Token != "" {
		w.git.Secrets = []string{cfg.Token}
	}
	return w
}

// Dir is the path of the main clone.
func (w *Workspace) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Clone clones repoURL into the configured directory, or a fresh temporary one, and returns
// its path. An existing clone in the configured directory is reused.
func (w *Workspace) Clone(ctx context.Context, repoURL string) (string, error) {
	if strings.TrimSpace(repoURL) == "" {
		return "", errors.New("workspace: repository url is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := w.cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "agentstream-*")
		if err != nil {
			return "", fmt.Errorf("workspace: create dir: %w", err)
		}
		dir = filepath.Join(tmp, "repo")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve dir: %w", err)
	}
	w.git.WorkingDir = abs

	if _, err := os.Stat(filepath.Join(abs, ".git")); err == nil {
		w.logger.Info("reusing existing clone", zap.String("dir", abs))
	} else {
		cloneURL, err := authenticatedURL(repoURL, w.cfg.Token)
		if err != nil {
			return "", err
		}
		if cloneURL != repoURL {
			w.git.Secrets = append(w.git.Secrets, cloneURL)
		}
		w.logger.Info("cloning repository", zap.String("repo", repoURL), zap.String("dir", abs))
		if err := w.git.Clone(ctx, cloneURL, w.cfg.BaseBranch); err != nil {
			return "", fmt.Errorf("workspace: %w", err)
		}
	}

	base := w.cfg.BaseBranch
	if base == "" {
		if base, err = w.git.CurrentBranch(ctx); err != nil {
			return "", fmt.Errorf("workspace: %w", err)
		}
	}
	w.dir = abs
	w.base = base
	return abs, nil
}

// Prepare gives sessionID its own work tree on branch <prefix><session>, started from the
// base branch, and returns its path. Calling it again for the same session returns the
// same tree.
func (w *Workspace) Prepare(ctx context.Context, sessionID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dir == "" {
		return "", errors.New("workspace: not cloned")
	}
	if t, ok := w.trees[sessionID]; ok {
		return t.dir, nil
	}

	name := refName(sessionID)
	branch := w.cfg.BranchPrefix + name
	if err := w.git.CheckBranchName(ctx, branch); err != nil {
		return "", fmt.Errorf("workspace: session %q: %w", sessionID, err)
	}
	path := filepath.Join(w.dir+"-sessions", name)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("workspace: clear %s: %w", path, err)
	}
	if err := w.git.PruneWorktrees(ctx); err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	if err := w.git.AddWorktree(ctx, path, branch, w.base); err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}

	g := *w.git
	g.WorkingDir = path
	w.trees[sessionID] = &tree{dir: path, branch: branch, git: &g}
	w.logger.Info("session work tree ready", zap.String("session_id", sessionID), zap.String("dir", path), zap.String("branch", branch))
	return path, nil
}

// Release removes the session's work tree and its local branch. A pushed branch stays on
// the remote.
func (w *Workspace) Release(ctx context.Context, sessionID string) error {
	w.mu.Lock()
	t, ok := w.trees[sessionID]
	delete(w.trees, sessionID)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := w.git.RemoveWorktree(ctx, t.dir); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := w.git.DeleteBranch(ctx, t.branch); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	return nil
}

// Publication describes what Publish did.
type Publication struct {
	Branch         string
	PullRequestURL string
}

// Publish commits what the session left in its work tree, pushes the session branch and
// opens a pull request against the base branch. It returns nil when the session made no
// changes or never had a work tree.
func (w *Workspace) Publish(ctx context.Context, sessionID string) (*Publication, error) {
	w.mu.Lock()
	if w.dir == "" {
		w.mu.Unlock()
		return nil, errors.New("workspace: not cloned")
	}
	t := w.trees[sessionID]
	w.mu.Unlock()
	if t == nil {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	changed, err := t.git.HasChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if changed {
		if err := t.git.CommitAll(ctx, "agentstream: changes from session "+sessionID); err != nil {
			return nil, fmt.Errorf("workspace: %w", err)
		}
	}
	ahead, err := t.git.CommitsAhead(ctx, w.base)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if ahead == 0 {
		return nil, nil
	}

	if err := t.git.Push(ctx, t.branch); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	pub := &Publication{Branch: t.branch}
	w.logger.Info("pushed session branch", zap.String("session_id", sessionID), zap.String("branch", t.branch))

	if !w.cfg.Publish {
		return pub, nil
	}
	prURL, err := w.openPullRequest(ctx, t.branch, sessionID)
	if err != nil {
		return pub, fmt.Errorf("workspace: %w", err)
	}
	pub.PullRequestURL = prURL
	return pub, nil
}

// Finalize publishes a closing session and phrases the outcome for the client. It satisfies
// the stream handler's finalizer hook.
func (w *Workspace) Finalize(ctx context.Context, sessionID string) (string, error) {
	pub, err := w.Publish(ctx, sessionID)
	if pub == nil {
		return "", err
	}
	if pub.PullRequestURL != "" {
		return "Pull request opened: " + pub.PullRequestURL, err
	}
	return "Changes pushed to branch " + pub.Branch, err
}

// refName turns a client chosen session id into a branch and directory name. Ids that need
// rewriting get a hash suffix so distinct ids never share a name.
func refName(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := b.String()
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.TrimSuffix(strings.Trim(name, ".-"), ".lock")
	if len(name) > maxRefName {
		name = name[:maxRefName]
	}
	if name == sessionID && name != "" {
		return name
	}
	sum := sha256.Sum256([]byte(sessionID))
	if name == "" {
		return "session-" + hex.EncodeToString(sum[:6])
	}
	return name + "-" + hex.EncodeToString(sum[:6])
}

// authenticatedURL embeds token into https URLs the way GitHub accepts installation tokens.
func authenticatedURL(raw, token string) (string, error) {
	if token == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return raw, nil
	}
	if u.User != nil {
		return "", errors.New("workspace: repository url already carries credentials")
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}
