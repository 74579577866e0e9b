package mlgateway

import (
	"fmt"
)

type wireMarshaler interface {
	MarshalWire() ([]byte, error)
}

type wireUnmarshaler interface {
	UnmarshalWire([]byte) error
}

// protoCodec encodes RPC messages in protobuf wire format via the
// hand-rolled codecs in pb/mlservice, so the connection speaks
// application/grpc+proto like the sidecar's generated stubs.
type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMarshaler)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T has no wire encoding", v)
	}
	return m.MarshalWire()
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireUnmarshaler)
	if !ok {
		return fmt.Errorf("proto codec: %T has no wire decoding", v)
	}
	return m.UnmarshalWire(data)
}
