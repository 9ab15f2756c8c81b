package transport

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/fxamacker/cbor/v2"
)

// CodecName is the connect codec name; requests travel as application/cbor.
const CodecName = "cbor"

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// cborCodec lets connect marshal plain Go structs as CBOR instead of
// generated protobuf messages.
type cborCodec struct{}

func (cborCodec) Name() string { return CodecName }

func (cborCodec) Marshal(v any) ([]byte, error) {
	data, err := cborEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %T: %w", v, err)
	}
	return data, nil
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal %T: %w", v, err)
	}
	return nil
}

// WithCBOR returns the connect option that installs the CBOR codec. It is
// valid for both clients and handlers.
func WithCBOR() connect.Option {
	return connect.WithCodec(cborCodec{})
}
