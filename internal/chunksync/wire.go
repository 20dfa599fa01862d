package chunksync

import (
	"fmt"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKind    protowire.Number = 1
	fieldScope   protowire.Number = 2
	fieldMarker  protowire.Number = 3
	fieldChunk   protowire.Number = 4
	fieldError   protowire.Number = 5
	fieldInitial protowire.Number = 6

	fieldMarkerKey        protowire.Number = 1
	fieldMarkerLastUpdate protowire.Number = 2
)

// Marshal encodes an envelope in protobuf wire format.
func Marshal(env *Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Kind))
	if env.Scope != "" {
		b = protowire.AppendTag(b, fieldScope, protowire.BytesType)
		b = protowire.AppendString(b, env.Scope)
	}
	for _, m := range env.Markers {
		var mb []byte
		mb = protowire.AppendTag(mb, fieldMarkerKey, protowire.BytesType)
		mb = protowire.AppendString(mb, m.ChunkKey)
		mb = protowire.AppendTag(mb, fieldMarkerLastUpdate, protowire.BytesType)
		mb = protowire.AppendString(mb, m.LastUpdate)
		b = protowire.AppendTag(b, fieldMarker, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	for _, c := range env.Chunks {
		b = protowire.AppendTag(b, fieldChunk, protowire.BytesType)
		b = protowire.AppendBytes(b, chunk.AppendWire(nil, c))
	}
	if env.Error != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, env.Error)
	}
	if env.Initial {
		b = protowire.AppendTag(b, fieldInitial, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Unmarshal decodes an envelope written by Marshal.
func Unmarshal(b []byte) (*Envelope, error) {
	env := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("chunksync: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("chunksync: bad kind: %w", protowire.ParseError(n))
			}
			env.Kind = MessageKind(v)
			b = b[n:]
		case num == fieldScope && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("chunksync: bad scope: %w", protowire.ParseError(n))
			}
			env.Scope = v
			b = b[n:]
		case num == fieldMarker && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("chunksync: bad marker: %w", protowire.ParseError(n))
			}
			m, err := parseMarker(v)
			if err != nil {
				return nil, err
			}
			env.Markers = append(env.Markers, m)
			b = b[n:]
		case num == fieldChunk && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("chunksync: bad chunk: %w", protowire.ParseError(n))
			}
			c, err := chunk.ParseWire(v)
			if err != nil {
				return nil, err
			}
			env.Chunks = append(env.Chunks, c)
			b = b[n:]
		case num == fieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("chunksync: bad error: %w", protowire.ParseError(n))
			}
			env.Error = v
			b = b[n:]
		case num == fieldInitial && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("chunksync: bad initial flag: %w", protowire.ParseError(n))
			}
			env.Initial = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("chunksync: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if env.Kind < MessageSubscribe || env.Kind > MessageError {
		return nil, fmt.Errorf("chunksync: unknown message kind %d", env.Kind)
	}
	return env, nil
}

func parseMarker(b []byte) (types.ChunkMarker, error) {
	var m types.ChunkMarker
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("chunksync: bad marker tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.BytesType && (num == fieldMarkerKey || num == fieldMarkerLastUpdate) {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("chunksync: bad marker field: %w", protowire.ParseError(n))
			}
			if num == fieldMarkerKey {
				m.ChunkKey = v
			} else {
				m.LastUpdate = v
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return m, fmt.Errorf("chunksync: bad marker field: %w", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return m, nil
}
