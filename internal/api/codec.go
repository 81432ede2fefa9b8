package api

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype the daemon speaks
// (application/grpc+json).
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CallOption selects the JSON codec on a client connection.
func CallOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName))
}
