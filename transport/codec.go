package transport

import (
	"encoding"
	"fmt"

	grpcenc "google.golang.org/grpc/encoding"
)

// codecName selects this codec through the gRPC content-subtype mechanism.
const codecName = "raftwire"

// codec moves protocol messages through gRPC using their own binary
// encoding, so no generated message types are involved.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("codec %s: cannot marshal %T", codecName, v)
	}
	return m.MarshalBinary()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("codec %s: cannot unmarshal into %T", codecName, v)
	}
	return m.UnmarshalBinary(data)
}

func (codec) Name() string { return codecName }

func init() {
	grpcenc.RegisterCodec(codec{})
}
