package daemon

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/animus-coder/agentstream/internal/config"
	"github.com/animus-coder/agentstream/internal/rpc"
	agentrpc "github.com/animus-coder/agentstream/internal/rpc/agent"
	"github.com/animus-coder/agentstream/internal/rpc/transport"
	"github.com/animus-coder/agentstream/internal/session"
	"github.com/animus-coder/agentstream/internal/sink"
)

func newOrigin(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	run := func(dir string, args ...string) {
		c := exec.Command("git", args...)
		c.Dir = dir
		out, err := c.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	run(src, "init", "--quiet", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n"), 0o644))
	run(src, "add", ".")
	run(src, "-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "--quiet", "-m", "init")
	origin := filepath.Join(root, "acme", "app.git")
	run(root, "clone", "--quiet", "--bare", src, origin)
	return origin
}

func testConfig(t *testing.T, origin string) *config.Config {
	return &config.Config{
		Agent:   config.AgentConfig{Instructions: "be brief", ApprovalPolicy: "suggest", MaxSteps: 4, MaxOutputBytes: 4096},
		Sandbox: config.SandboxConfig{Enabled: true, AllowWrite: true, TimeoutSeconds: 10},
		Tools:   config.ToolsConfig{AllowExec: true, AllowGit: true, AllowFileRead: true, ExecTimeoutSeconds: 10, MaxReadBytes: 4096},
		Server: config.ServerConfig{
			MetricsEnabled:  true,
			ConnectEnabled:  true,
			StreamPath:      "/agent/stream",
			ShutdownTimeout: 5 * time.Second,
		},
		Session: config.SessionConfig{TTL: time.Minute, ConfirmTimeout: time.Minute, CleanupWait: time.Second},
		Workspace: config.WorkspaceConfig{
			RepoURL:      origin,
			Dir:          filepath.Join(t.TempDir(), "ws"),
			BranchPrefix: "agentstream/",
			AuthorName:   "agentstream",
			AuthorEmail:  "agentstream@localhost",
		},
		Engine: config.EngineConfig{Kind: config.EngineEcho},
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot open listener in sandbox: %v", err)
	}
	return ln
}

func h2cClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func TestServerEndpoints(t *testing.T) {
	s, err := NewServer(context.Background(), testConfig(t, newOrigin(t)), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer res.Body.Close()
		b, _ := io.ReadAll(res.Body)
		return res.StatusCode, string(b)
	}

	code, body := get("/health")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"ok","sessions":0}`, body)

	code, body = get("/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "agentstream_sessions")

	code, body = get("/tools/schemas")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"apply_patch"`)

	code, _ = get("/agent/stream")
	require.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestNewServerFailsOnUnreachableRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.git"))
	_, err := NewServer(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "prepare workspace")
}

func TestAgentSessionsWorkInTheirOwnTree(t *testing.T) {
	cfg := testConfig(t, newOrigin(t))
	cfg.Engine.Kind = config.EngineLLM
	cfg.Providers = map[string]config.ProviderConfig{"local": {Type: "ollama", BaseURL: "http://127.0.0.1:1"}}
	cfg.Models = map[string]config.ModelConfig{"coder": {Provider: "local", Model: "qwen", Default: true}}
	s, err := NewServer(context.Background(), cfg, nil)
	require.NoError(t, err)

	eng, err := s.newEngine("s1", session.Config{})
	require.NoError(t, err)
	require.NotNil(t, eng)

	tree := filepath.Join(cfg.Workspace.Dir+"-sessions", "s1")
	require.FileExists(t, filepath.Join(tree, "main.go"))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "edit.go"), []byte("package main\n"), 0o644))
	require.NoFileExists(t, filepath.Join(cfg.Workspace.Dir, "edit.go"))

	s.sessionDestroyed(&session.Session{ID: "s1"})
	require.NoDirExists(t, tree)
}

func TestStreamRoundTripWithCallback(t *testing.T) {
	deliveries := make(chan sink.Delivery, 64)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d sink.Delivery
		if err := json.NewDecoder(r.Body).Decode(&d); err == nil {
			deliveries <- d
		}
	}))
	defer callback.Close()

	cfg := testConfig(t, newOrigin(t))
	cfg.Callback = config.CallbackConfig{URL: callback.URL, Timeout: time.Second, QueueSize: 64}
	s, err := NewServer(context.Background(), cfg, nil)
	require.NoError(t, err)

	ln := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+"/agent/stream", pr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", transport.ContentTypeDelimited)
	go func() {
		b, _ := transport.AppendFrame(nil, transport.Delimited, rpc.Frame{Type: rpc.TypeUserMessage, SessionID: "d1", Content: "ping"})
		_, _ = pw.Write(b)
	}()

	resp, err := h2cClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := transport.NewReader(resp.Body, transport.Delimited)
	var seen []rpc.Frame
	for {
		f, err := reader.Receive()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		seen = append(seen, f)
		if f.Type == rpc.TypeStatus && f.Message == agentrpc.StatusCompleted {
			require.NoError(t, pw.Close())
		}
	}
	require.NotEmpty(t, seen)
	require.Equal(t, rpc.TypeTerminate, seen[len(seen)-1].Type)

	var echoed bool
	for _, f := range seen {
		if f.Type == rpc.TypeItem && strings.Contains(string(f.Item), "ping") {
			echoed = true
		}
	}
	require.True(t, echoed, "echo engine output missing: %+v", seen)

	select {
	case d := <-deliveries:
		require.Equal(t, "d1", d.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback delivery")
	}

	cancel()
	require.NoError(t, <-served)
}
