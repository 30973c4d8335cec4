package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/bufbuild/connect-go"
	"golang.org/x/net/http2"

	"github.com/animus-coder/agentstream/internal/rpc"
	agentrpc "github.com/animus-coder/agentstream/internal/rpc/agent"
	"github.com/animus-coder/agentstream/internal/rpc/connectjson"
	"github.com/animus-coder/agentstream/internal/rpc/transport"
)

// clientStream is one open conversation with the daemon.
type clientStream interface {
	Send(f rpc.Frame) error
	Receive() (rpc.Frame, error)
	// CloseSend ends the outbound side; the daemon answers with terminate.
	CloseSend() error
	Close() error
}

type httpStream struct {
	pw      *io.PipeWriter
	body    io.ReadCloser
	reader  *transport.Reader
	framing transport.Framing
}

// dialHTTP opens a full-duplex POST stream over h2c.
func dialHTTP(ctx context.Context, url string, framing transport.Framing) (clientStream, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", framing.ContentType())

	resp, err := buildH2CClient().Do(req)
	if err != nil {
		_ = pw.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("daemon returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return &httpStream{
		pw:      pw,
		body:    resp.Body,
		reader:  transport.NewReader(resp.Body, framing),
		framing: framing,
	}, nil
}

func (s *httpStream) Send(f rpc.Frame) error {
	b, err := transport.AppendFrame(nil, s.framing, f)
	if err != nil {
		return err
	}
	_, err = s.pw.Write(b)
	return err
}

func (s *httpStream) Receive() (rpc.Frame, error) { return s.reader.Receive() }
func (s *httpStream) CloseSend() error            { return s.pw.Close() }

func (s *httpStream) Close() error {
	_ = s.pw.Close()
	return s.body.Close()
}

type connectStream struct {
	stream *connect.BidiStreamForClient[rpc.Frame, rpc.Frame]
}

// dialConnect opens the Connect bidi procedure on baseURL.
func dialConnect(ctx context.Context, baseURL string) (clientStream, error) {
	client := connect.NewClient[rpc.Frame, rpc.Frame](
		buildH2CClient(),
		baseURL+agentrpc.ConnectStreamProcedure,
		connect.WithCodec(connectjson.Codec{}),
	)
	return &connectStream{stream: client.CallBidiStream(ctx)}, nil
}

func (s *connectStream) Send(f rpc.Frame) error { return s.stream.Send(&f) }

func (s *connectStream) Receive() (rpc.Frame, error) {
	f, err := s.stream.Receive()
	if err != nil {
		return rpc.Frame{}, err
	}
	return *f, nil
}

func (s *connectStream) CloseSend() error { return s.stream.CloseRequest() }

func (s *connectStream) Close() error {
	_ = s.stream.CloseRequest()
	return s.stream.CloseResponse()
}

func daemonURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func buildH2CClient() *http.Client {
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
