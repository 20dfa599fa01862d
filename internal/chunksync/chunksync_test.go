package chunksync

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkilian/chunkindex/internal/chunk"
	cerrors "github.com/arkilian/chunkindex/internal/errors"
	"github.com/arkilian/chunkindex/internal/fanout"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWire_RoundTrip(t *testing.T) {
	envs := []*Envelope{
		Subscribe("kw", []types.ChunkMarker{{ChunkKey: "kw.1", LastUpdate: "t1"}, {ChunkKey: "kw.2", LastUpdate: ""}}),
		ChunkBatch("obj", []types.CompiledChunk{
			{ChunkKey: "obj.4", EncodedData: []byte{9, 8}, EncodedHash: "h", LastUpdate: "t"},
			{ChunkKey: "obj.5", Deleted: true},
		}, true),
		LoadComplete("kw"),
		Error("kw", "unknown scope"),
	}
	for _, env := range envs {
		got, err := Unmarshal(Marshal(env))
		require.NoError(t, err)
		assert.Equal(t, env, got)
	}
}

func TestWire_RejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff})
	assert.Error(t, err)
	_, err = Unmarshal(nil)
	assert.Error(t, err, "missing kind")
}

func TestPipe_DeliversThenEOF(t *testing.T) {
	client, server := NewPipe(context.Background(), 4)
	require.NoError(t, client.Send(LoadComplete("kw")))
	client.Close()

	env, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, MessageLoadComplete, env.Kind)

	_, err = server.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, server.Send(LoadComplete("kw")), io.ErrClosedPipe)
}

type harness struct {
	store  *store.Store
	fanout *fanout.Handler
	client *PipeEnd
	errc   chan error
}

type harnessOptions struct {
	batchSize      int
	observerBuffer int
	pipeBuffer     int
	setup          func(*Server)
}

func newHarness(t *testing.T, batchSize int, chunks ...types.CompiledChunk) *harness {
	t.Helper()
	return newHarnessWith(t, harnessOptions{batchSize: batchSize, observerBuffer: 8, pipeBuffer: 16}, chunks...)
}

func newHarnessWith(t *testing.T, opts harnessOptions, chunks ...types.CompiledChunk) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Update(context.Background(), func(tx *store.Tx) error {
		return tx.InsertChunks(context.Background(), chunk.KindKeyword, chunks)
	}))

	h := fanout.NewHandler(s, opts.observerBuffer)
	srv := NewServer(s, h, opts.batchSize)
	if opts.setup != nil {
		opts.setup(srv)
	}
	client, serverEnd := NewPipe(context.Background(), opts.pipeBuffer)

	errc := make(chan error, 1)
	go func() {
		err := srv.Serve(serverEnd)
		serverEnd.Close()
		errc <- err
	}()
	t.Cleanup(func() { client.Close() })
	return &harness{store: s, fanout: h, client: client, errc: errc}
}

func (h *harness) recv(t *testing.T) *Envelope {
	t.Helper()
	type result struct {
		env *Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := h.client.Recv()
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.env
	case <-time.After(5 * time.Second):
		t.Fatal("no message from server")
		return nil
	}
}

// drainUntilEOF reads until the stream ends and returns what it read.
func (h *harness) drainUntilEOF(t *testing.T) []*Envelope {
	t.Helper()
	done := make(chan []*Envelope, 1)
	go func() {
		var envs []*Envelope
		for {
			env, err := h.client.Recv()
			if err != nil {
				done <- envs
				return
			}
			envs = append(envs, env)
		}
	}()
	select {
	case envs := <-done:
		return envs
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
		return nil
	}
}

func (h *harness) serveErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func stored(key, lastUpdate string) types.CompiledChunk {
	return types.CompiledChunk{ChunkKey: key, EncodedData: []byte(key), EncodedHash: "h-" + key, LastUpdate: lastUpdate}
}

func TestServer_ReconcileSendsOnlyDifferences(t *testing.T) {
	h := newHarness(t, 1, stored("kw.1", "t1"), stored("kw.2", "t2"), stored("kw.3", "t3"))

	require.NoError(t, h.client.Send(Subscribe("kw", []types.ChunkMarker{
		{ChunkKey: "kw.1", LastUpdate: "t1"},
		{ChunkKey: "kw.2", LastUpdate: "old"},
		{ChunkKey: "kw.9", LastUpdate: "t9"},
	})))

	var got []types.CompiledChunk
	for {
		env := h.recv(t)
		if env.Kind == MessageLoadComplete {
			assert.Equal(t, "kw", env.Scope)
			break
		}
		require.Equal(t, MessageChunkBatch, env.Kind)
		assert.True(t, env.Initial)
		assert.Len(t, env.Chunks, 1, "batches are bounded by the sync batch size")
		got = append(got, env.Chunks...)
	}

	require.Len(t, got, 3)
	assert.Equal(t, "kw.2", got[0].ChunkKey)
	assert.Equal(t, "kw.3", got[1].ChunkKey)
	assert.Equal(t, types.CompiledChunk{ChunkKey: "kw.9", Deleted: true}, got[2])
}

func TestServer_PushesAfterSubscribe(t *testing.T) {
	h := newHarness(t, 20, stored("kw.1", "t1"))

	require.NoError(t, h.client.Send(Subscribe("kw", nil)))
	first := h.recv(t)
	require.Equal(t, MessageChunkBatch, first.Kind)
	assert.Len(t, first.Chunks, 1)
	assert.Equal(t, MessageLoadComplete, h.recv(t).Kind)
	require.Equal(t, 1, h.fanout.Len())

	h.fanout.Notify(context.Background(), chunk.KindKeyword, []string{"kw.1"})
	push := h.recv(t)
	assert.Equal(t, MessageChunkBatch, push.Kind)
	assert.False(t, push.Initial)
	assert.Equal(t, "kw.1", push.Chunks[0].ChunkKey)

	// Pushes for another scope are not delivered.
	h.fanout.Notify(context.Background(), chunk.KindObject, []string{"obj.1"})

	h.client.Close()
	assert.NoError(t, h.serveErr(t))
	assert.Zero(t, h.fanout.Len(), "observers are forgotten when the stream ends")
}

func TestServer_UnknownScope(t *testing.T) {
	h := newHarness(t, 20)
	require.NoError(t, h.client.Send(Subscribe("nope", nil)))
	env := h.recv(t)
	assert.Equal(t, MessageError, env.Kind)
	assert.Equal(t, "unknown scope", env.Error)

	require.NoError(t, h.client.Send(LoadComplete("kw")))
	assert.Equal(t, MessageError, h.recv(t).Kind)
}

func TestServer_EndsStreamWhenObserverDropped(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{batchSize: 20, observerBuffer: 1, pipeBuffer: 1}, stored("kw.1", "t1"))

	require.NoError(t, h.client.Send(Subscribe("kw", []types.ChunkMarker{{ChunkKey: "kw.1", LastUpdate: "t1"}})))
	assert.Equal(t, MessageLoadComplete, h.recv(t).Kind)
	require.Equal(t, 1, h.fanout.Len())

	// The client stops reading. The pipe, the serving loop, the forwarder and
	// the observer queue hold at most four batches, so the burst overflows.
	for i := 0; i < 8; i++ {
		h.fanout.Notify(context.Background(), chunk.KindKeyword, []string{"kw.1"})
	}
	require.Eventually(t, func() bool { return h.fanout.Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	envs := h.drainUntilEOF(t)
	assert.NotEmpty(t, envs)
	for _, env := range envs {
		assert.Equal(t, MessageChunkBatch, env.Kind)
		assert.False(t, env.Initial)
	}

	err := h.serveErr(t)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeObserverGone, cerrors.GetCode(err))
}

func TestServer_LoadFailureEndsCatchUp(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{
		batchSize:      20,
		observerBuffer: 8,
		pipeBuffer:     16,
		setup: func(srv *Server) {
			srv.loadChunks = func(context.Context, chunk.Kind, []string) ([]types.CompiledChunk, error) {
				return nil, errors.New("disk I/O error")
			}
		},
	}, stored("kw.1", "t1"), stored("kw.2", "t1"))

	require.NoError(t, h.client.Send(Subscribe("kw", nil)))

	envs := h.drainUntilEOF(t)
	require.Len(t, envs, 1, "no LoadComplete after a failed catch-up")
	assert.Equal(t, MessageError, envs[0].Kind)
	assert.Equal(t, "kw", envs[0].Scope)
	assert.Equal(t, "failed to load chunks", envs[0].Error)

	err := h.serveErr(t)
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk I/O error")
	assert.Zero(t, h.fanout.Len())
}
