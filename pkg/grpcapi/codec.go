package grpcapi

import "encoding/json"

// jsonCodec marshals RPC messages as JSON instead of protobuf. Thalo has no
// .proto-generated stubs; the wire messages are the plain Go structs below,
// so a generic JSON codec is enough to drive grpc-go's framing, compression
// and streaming machinery without a code-generation step.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }
