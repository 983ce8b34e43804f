// Package jsoncodec registers a JSON encoding.Codec with grpc-go so the
// frontend and backend services can exchange plain Go structs over gRPC
// without protoc-generated message types. grpc-go's encoding.Codec is a
// first-class, documented extension point (see
// google.golang.org/grpc/encoding); this is not a replacement transport,
// only a different wire codec plugged into the same framing, flow
// control and service-method dispatch.
package jsoncodec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the codec name negotiated over the wire (grpc's "content-subtype").
const Name = "json"

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsoncodec: unmarshal %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(codec{})
}
