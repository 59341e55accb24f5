package shared

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// The runtime service exchanges JSON bodies instead of protobuf messages, so
// a runtime written in any language only needs a JSON-capable gRPC server.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
