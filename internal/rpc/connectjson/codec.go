package connectjson

import (
	"encoding/json"

	"github.com/bufbuild/connect-go"

	"github.com/animus-coder/agentstream/internal/rpc"
)

// Codec encodes protocol frames as JSON for Connect handlers. Frames go through the
// protocol codec so both transports validate identically; other values use plain JSON.
type Codec struct{}

func (Codec) Name() string {
	return "json"
}

func (Codec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(*rpc.Frame); ok && f != nil {
		return rpc.Encode(*f)
	}
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*rpc.Frame); ok && f != nil {
		decoded, err := rpc.Decode(data)
		if err != nil {
			return err
		}
		*f = decoded
		return nil
	}
	return json.Unmarshal(data, v)
}

var _ connect.Codec = (*Codec)(nil)
