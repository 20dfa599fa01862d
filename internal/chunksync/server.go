package chunksync

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"

	"github.com/arkilian/chunkindex/internal/chunk"
	cerrors "github.com/arkilian/chunkindex/internal/errors"
	"github.com/arkilian/chunkindex/internal/fanout"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/google/uuid"
)

// DefaultSyncBatchSize is the number of chunks per catch-up message.
const DefaultSyncBatchSize = 20

// Server answers subscriptions from the store and forwards fan-out pushes.
type Server struct {
	store     *store.Store
	fanout    *fanout.Handler
	batchSize int

	loadChunks func(ctx context.Context, kind chunk.Kind, keys []string) ([]types.CompiledChunk, error)
}

// NewServer creates a sync server.
func NewServer(s *store.Store, h *fanout.Handler, batchSize int) *Server {
	if batchSize <= 0 {
		batchSize = DefaultSyncBatchSize
	}
	srv := &Server{store: s, fanout: h, batchSize: batchSize}
	srv.loadChunks = srv.load
	return srv
}

// Serve handles one client stream until it ends. All sends happen on the
// calling goroutine. Serve returns an error when the stream can no longer be
// kept consistent, such as after the fan-out dropped one of its observers;
// the transport then closes the stream and the client reconnects.
func (s *Server) Serve(stream Stream) error {
	ctx := stream.Context()
	streamID := uuid.NewString()

	done := make(chan struct{})
	observers := make(map[string]*fanout.Observer)
	defer func() {
		close(done)
		for _, obs := range observers {
			s.fanout.Forget(obs)
		}
	}()

	incoming := make(chan *Envelope)
	recvErr := make(chan error, 1)
	go func() {
		for {
			env, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case incoming <- env:
			case <-done:
				return
			}
		}
	}()

	pushes := make(chan fanout.Batch)
	dropped := make(chan string, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return cerrors.NewSyncError(cerrors.CodeStreamClosed, "chunksync: receive failed", err)
		case env := <-incoming:
			if env.Kind != MessageSubscribe {
				if err := stream.Send(Error(env.Scope, "unexpected "+env.Kind.String()+" message")); err != nil {
					return cerrors.NewSyncError(cerrors.CodeStreamClosed, "chunksync: send failed", err)
				}
				continue
			}
			kind, ok := chunk.KindForNamespace(env.Scope)
			if !ok {
				if err := stream.Send(Error(env.Scope, "unknown scope")); err != nil {
					return cerrors.NewSyncError(cerrors.CodeStreamClosed, "chunksync: send failed", err)
				}
				continue
			}

			if _, ok := observers[env.Scope]; !ok {
				obs := s.fanout.Observe(streamID+":"+env.Scope, env.Scope, done)
				observers[env.Scope] = obs
				go forward(obs, pushes, dropped, done)
			}
			if err := s.reconcile(ctx, stream, kind, env); err != nil {
				return err
			}
		case batch := <-pushes:
			if err := stream.Send(ChunkBatch(batch.Scope, batch.Chunks, false)); err != nil {
				return cerrors.NewSyncError(cerrors.CodeStreamClosed, "chunksync: push failed", err)
			}
		case scope := <-dropped:
			log.Printf("chunksync: stream %s fell behind on %s pushes, closing it", streamID, scope)
			return cerrors.NewSyncError(cerrors.CodeObserverGone, "chunksync: observer for "+scope+" dropped", nil)
		}
	}
}

// forward moves an observer's batches to the serving loop. Once the observer
// is dropped it reports the scope on dropped and stops.
func forward(obs *fanout.Observer, pushes chan<- fanout.Batch, dropped chan<- string, done <-chan struct{}) {
	for {
		select {
		case batch := <-obs.C():
			select {
			case pushes <- batch:
			case <-obs.Dropped():
				signal(dropped, obs.Scope)
				return
			case <-done:
				return
			}
		case <-obs.Dropped():
			signal(dropped, obs.Scope)
			return
		case <-done:
			return
		}
	}
}

func signal(dropped chan<- string, scope string) {
	select {
	case dropped <- scope:
	default:
	}
}

func (s *Server) load(ctx context.Context, kind chunk.Kind, keys []string) ([]types.CompiledChunk, error) {
	var chunks []types.CompiledChunk
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		chunks, err = tx.LoadChunks(ctx, kind, keys)
		return err
	})
	return chunks, err
}

// reconcile sends every chunk of kind whose marker differs from the
// client's, tombstones for chunks the client holds that no longer exist,
// then LoadComplete. A read failure sends an Error message instead of
// LoadComplete and ends the stream so the client retries the whole catch-up.
func (s *Server) reconcile(ctx context.Context, stream Stream, kind chunk.Kind, sub *Envelope) error {
	var markers []types.ChunkMarker
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		markers, err = tx.ChunkMarkers(ctx, kind)
		return err
	})
	if err != nil {
		log.Printf("chunksync: failed to list %s markers: %v", kind, err)
		return abort(stream, sub.Scope, "failed to list chunks", err)
	}

	held := make(map[string]string, len(sub.Markers))
	for _, m := range sub.Markers {
		held[m.ChunkKey] = m.LastUpdate
	}

	var need []string
	for _, m := range markers {
		if lu, ok := held[m.ChunkKey]; !ok || lu != m.LastUpdate {
			need = append(need, m.ChunkKey)
		}
		delete(held, m.ChunkKey)
	}
	gone := make([]string, 0, len(held))
	for k := range held {
		gone = append(gone, k)
	}
	sort.Strings(gone)

	sent := 0
	for lo := 0; lo < len(need); lo += s.batchSize {
		hi := lo + s.batchSize
		if hi > len(need) {
			hi = len(need)
		}
		chunks, err := s.loadChunks(ctx, kind, need[lo:hi])
		if err != nil {
			log.Printf("chunksync: failed to load %s chunks: %v", kind, err)
			return abort(stream, sub.Scope, "failed to load chunks", err)
		}
		if len(chunks) == 0 {
			continue
		}
		if err := stream.Send(ChunkBatch(sub.Scope, chunks, true)); err != nil {
			return cerrors.NewSyncError(cerrors.CodeStreamClosed, "chunksync: send failed", err)
		}
		sent += len(chunks)
	}

	for lo := 0; lo < len(gone); lo += s.batchSize {
		hi := lo + s.batchSize
		if hi > len(gone) {
			hi = len(gone)
		}
		tombs := make([]types.CompiledChunk, 0, hi-lo)
		for _, k := range gone[lo:hi] {
			tombs = append(tombs, types.CompiledChunk{ChunkKey: k, Deleted: true})
		}
		if err := stream.Send(ChunkBatch(sub.Scope, tombs, true)); err != nil {
			return cerrors.NewSyncError(cerrors.CodeStreamClosed, "chunksync: send failed", err)
		}
	}

	if err := stream.Send(LoadComplete(sub.Scope)); err != nil {
		return cerrors.NewSyncError(cerrors.CodeStreamClosed, "chunksync: send failed", err)
	}
	log.Printf("chunksync: %s reconcile sent %d chunks, %d tombstones", sub.Scope, sent, len(gone))
	return nil
}

// abort tells the client why its catch-up stopped and returns the error that
// ends the stream.
func abort(stream Stream, scope, msg string, cause error) error {
	if err := stream.Send(Error(scope, msg)); err != nil {
		return cerrors.NewSyncError(cerrors.CodeStreamClosed, "chunksync: send failed", err)
	}
	return cerrors.NewSyncError(cerrors.CodeQueryFailed, "chunksync: "+msg, cause)
}
