package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/animus-coder/agentstream/internal/version"
)

type pullRequest struct {
	Title string `json:"title,omitempty"`
	Head  string `json:"head,omitempty"`
	Base  string `json:"base,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"html_url,omitempty"`
}

// openPullRequest opens a pull request for branch, or returns the open one a previous push of
// the same branch created.
func (w *Workspace) openPullRequest(ctx context.Context, branch, sessionID string) (string, error) {
	owner, repo, err := repoSlug(w.cfg.RepoURL)
	if err != nil {
		return "", err
	}
	endpoint := strings.TrimRight(w.cfg.APIURL, "/") + "/repos/" + owner + "/" + repo + "/pulls"

	body, err := json.Marshal(pullRequest{
		Title: "agentstream: session " + sessionID,
		Head:  branch,
		Base:  w.base,
		Body:  "Changes made by the agent during session `" + sessionID + "`.",
	})
	if err != nil {
		return "", fmt.Errorf("marshal pull request: %w", err)
	}

	var created pullRequest
	status, err := w.githubDo(ctx, http.MethodPost, endpoint, body, &created)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnprocessableEntity {
		return w.findPullRequest(ctx, endpoint, owner, branch)
	}
	return created.URL, nil
}

func (w *Workspace) findPullRequest(ctx context.Context, endpoint, owner, branch string) (string, error) {
	q := url.Values{"state": {"open"}, "head": {owner + ":" + branch}}
	var open []pullRequest
	if _, err := w.githubDo(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil, &open); err != nil {
		return "", err
	}
	if len(open) == 0 {
		return "", fmt.Errorf("pull request for %s rejected and none open", branch)
	}
	return open[0].URL, nil
}

// githubDo performs one API call. 422 is returned to the caller undecoded; other non-2xx
// statuses are errors.
func (w *Workspace) githubDo(ctx context.Context, method, endpoint string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("build github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	res, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("github %s: %w", method, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnprocessableEntity {
		return res.StatusCode, nil
	}
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return res.StatusCode, fmt.Errorf("github %s: status %d: %s", method, res.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return res.StatusCode, fmt.Errorf("decode github response: %w", err)
	}
	return res.StatusCode, nil
}

// repoSlug extracts owner and repository from https, ssh and scp-style remotes.
func repoSlug(remote string) (string, string, error) {
	path := strings.TrimSpace(remote)
	if u, err := url.Parse(path); err == nil && u.Scheme != "" {
		path = u.Path
	} else if i := strings.Index(path, ":"); i != -1 && strings.Contains(path[:i], "@") {
		path = path[i+1:]
	}
	path = strings.TrimSuffix(strings.TrimRight(path, "/"), ".git")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("cannot derive owner/repo from %q", remote)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
