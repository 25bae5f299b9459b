package mcp

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to a single line of JSON.
// The trailing newline that frames stdio transport messages is owned by the
// transport, not the codec.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage parses one wire line into a *jsonrpc.Request or
// *jsonrpc.Response. Lines that fail to decode are not dropped by the proxy:
// the pump forwards them raw, so callers treat an error here as
// "uninspectable", not "invalid".
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes one wire line and stamps it with its pipeline
// metadata: direction and arrival time. Raw keeps the original bytes so an
// allowed message is forwarded byte for byte.
//
// On decode failure no Message is built; the pump constructs a raw-only
// Message itself for the passthrough path.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}
