package chunk

import (
	"fmt"

	"github.com/arkilian/chunkindex/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the chunk wire message.
const (
	fieldChunkKey    protowire.Number = 1
	fieldEncodedData protowire.Number = 2
	fieldEncodedHash protowire.Number = 3
	fieldLastUpdate  protowire.Number = 4
	fieldDeleted     protowire.Number = 5
)

// AppendWire appends the protobuf wire form of c to b.
func AppendWire(b []byte, c types.CompiledChunk) []byte {
	b = protowire.AppendTag(b, fieldChunkKey, protowire.BytesType)
	b = protowire.AppendString(b, c.ChunkKey)
	if len(c.EncodedData) > 0 {
		b = protowire.AppendTag(b, fieldEncodedData, protowire.BytesType)
		b = protowire.AppendBytes(b, c.EncodedData)
	}
	if c.EncodedHash != "" {
		b = protowire.AppendTag(b, fieldEncodedHash, protowire.BytesType)
		b = protowire.AppendString(b, c.EncodedHash)
	}
	if c.LastUpdate != "" {
		b = protowire.AppendTag(b, fieldLastUpdate, protowire.BytesType)
		b = protowire.AppendString(b, c.LastUpdate)
	}
	if c.Deleted {
		b = protowire.AppendTag(b, fieldDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// ParseWire decodes a chunk previously written by AppendWire. Unknown fields
// are skipped.
func ParseWire(b []byte) (types.CompiledChunk, error) {
	var c types.CompiledChunk
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, fmt.Errorf("chunk: bad wire tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldChunkKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return c, fmt.Errorf("chunk: bad chunk key: %w", protowire.ParseError(n))
			}
			c.ChunkKey = v
			b = b[n:]
		case num == fieldEncodedData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return c, fmt.Errorf("chunk: bad encoded data: %w", protowire.ParseError(n))
			}
			c.EncodedData = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldEncodedHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return c, fmt.Errorf("chunk: bad encoded hash: %w", protowire.ParseError(n))
			}
			c.EncodedHash = v
			b = b[n:]
		case num == fieldLastUpdate && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return c, fmt.Errorf("chunk: bad last update: %w", protowire.ParseError(n))
			}
			c.LastUpdate = v
			b = b[n:]
		case num == fieldDeleted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, fmt.Errorf("chunk: bad deleted flag: %w", protowire.ParseError(n))
			}
			c.Deleted = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, fmt.Errorf("chunk: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}
