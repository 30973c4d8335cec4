package agent

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bufbuild/connect-go"

	"github.com/animus-coder/agentstream/internal/rpc"
	"github.com/animus-coder/agentstream/internal/rpc/connectjson"
	"github.com/animus-coder/agentstream/internal/rpc/transport"
)

const ConnectStreamProcedure = "/agentstream.v1.AgentService/Stream"

// NewConnectHandler exposes the stream control loop as a Connect bidi procedure whose
// messages are protocol frames.
func NewConnectHandler(h *StreamHandler) (string, http.Handler) {
	return ConnectStreamProcedure, connect.NewBidiStreamHandler(
		ConnectStreamProcedure,
		h.handleConnect,
		connect.WithCodec(connectjson.Codec{}),
	)
}

func (h *StreamHandler) handleConnect(ctx context.Context, stream *connect.BidiStream[rpc.Frame, rpc.Frame]) error {
	out := transport.NewWriter(transport.SinkFunc(func(f rpc.Frame) error {
		return stream.Send(&f)
	}))
	go out.Run(ctx) //nolint:errcheck // surfaced through Close

	h.Serve(ctx, "connect", connectInbound{stream: stream}, out)
	if err := out.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return nil
}

type connectInbound struct {
	stream *connect.BidiStream[rpc.Frame, rpc.Frame]
}

func (c connectInbound) Receive() (rpc.Frame, error) {
	msg, err := c.stream.Receive()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return rpc.Frame{}, io.EOF
		}
		return rpc.Frame{}, err
	}
	return *msg, nil
}
