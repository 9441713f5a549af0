package grpccomm

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

const codecName = "cbor"

// cborCodec frames gRPC messages as CBOR instead of protobuf.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}

type messageRequest struct {
	From    string `cbor:"1,keyasint"`
	Type    string `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint,omitempty"`
}

type messageResponse struct {
	Code    string            `cbor:"1,keyasint"`
	Body    []byte            `cbor:"2,keyasint,omitempty"`
	Headers map[string]string `cbor:"3,keyasint,omitempty"`
}
