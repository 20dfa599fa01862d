// Package chunksync is the chunk distribution protocol between the server
// and client caches.
//
// A client opens a stream and sends one Subscribe per scope carrying the
// markers of the chunks it already holds. The server answers with every
// chunk whose marker differs, in bounded ChunkBatch messages flagged
// Initial, then LoadComplete. Afterwards the server pushes ChunkBatch
// messages as chunks change.
package chunksync

import (
	"context"

	"github.com/arkilian/chunkindex/pkg/types"
)

// MessageKind identifies an envelope.
type MessageKind int

const (
	MessageSubscribe MessageKind = iota + 1
	MessageChunkBatch
	MessageLoadComplete
	MessageError
)

func (k MessageKind) String() string {
	switch k {
	case MessageSubscribe:
		return "subscribe"
	case MessageChunkBatch:
		return "chunk_batch"
	case MessageLoadComplete:
		return "load_complete"
	case MessageError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope is the single message type carried by a stream.
type Envelope struct {
	Kind    MessageKind
	Scope   string
	Markers []types.ChunkMarker
	Chunks  []types.CompiledChunk
	Initial bool
	Error   string
}

// Subscribe builds a subscription for scope.
func Subscribe(scope string, markers []types.ChunkMarker) *Envelope {
	return &Envelope{Kind: MessageSubscribe, Scope: scope, Markers: markers}
}

// ChunkBatch builds a chunk delivery.
func ChunkBatch(scope string, chunks []types.CompiledChunk, initial bool) *Envelope {
	return &Envelope{Kind: MessageChunkBatch, Scope: scope, Chunks: chunks, Initial: initial}
}

// LoadComplete marks the end of a subscription's catch-up.
func LoadComplete(scope string) *Envelope {
	return &Envelope{Kind: MessageLoadComplete, Scope: scope}
}

// Error builds an error envelope.
func Error(scope, msg string) *Envelope {
	return &Envelope{Kind: MessageError, Scope: scope, Error: msg}
}

// Stream is one reliable, ordered, bidirectional connection. Recv returns
// io.EOF once the peer has gone away.
type Stream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	Context() context.Context
}
