// Package grpc binds the chunk sync protocol to a gRPC bidirectional stream.
package grpc

import (
	"fmt"

	"github.com/arkilian/chunkindex/internal/chunksync"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype carrying protowire-encoded envelopes.
const CodecName = "chunkwire"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec marshals *chunksync.Envelope values.
type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*chunksync.Envelope)
	if !ok {
		return nil, fmt.Errorf("chunkwire: cannot marshal %T", v)
	}
	return chunksync.Marshal(env), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	dst, ok := v.(*chunksync.Envelope)
	if !ok {
		return fmt.Errorf("chunkwire: cannot unmarshal into %T", v)
	}
	env, err := chunksync.Unmarshal(data)
	if err != nil {
		return err
	}
	*dst = *env
	return nil
}
