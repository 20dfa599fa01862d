package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/chunkkey"
	"github.com/arkilian/chunkindex/internal/chunksync"
	"github.com/arkilian/chunkindex/internal/fanout"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes map[chunk.Kind][]string
}

func (r *recorder) ChunksChanged(kind chunk.Kind, changed []types.CompiledChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.changes == nil {
		r.changes = make(map[chunk.Kind][]string)
	}
	for _, c := range changed {
		r.changes[kind] = append(r.changes[kind], c.ChunkKey)
	}
}

func (r *recorder) keys(kind chunk.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes[kind]...)
}

const (
	t1 = "2026-01-01T00:00:00Z"
	t2 = "2026-01-02T00:00:00Z"
)

func kwChunk(key, lastUpdate string) types.CompiledChunk {
	return types.CompiledChunk{ChunkKey: key, EncodedData: []byte(key + lastUpdate), EncodedHash: "h", LastUpdate: lastUpdate}
}

func TestCache_ApplyReplacesAndDeletes(t *testing.T) {
	c := NewCache()
	rec := &recorder{}
	c.AddListener(rec)

	assert.Equal(t, 2, c.Apply(chunk.KindKeyword, []types.CompiledChunk{kwChunk("kw.2", t1), kwChunk("kw.1", t1)}))
	assert.Equal(t, []types.ChunkMarker{{ChunkKey: "kw.1", LastUpdate: t1}, {ChunkKey: "kw.2", LastUpdate: t1}}, c.Markers(chunk.KindKeyword))
	assert.Empty(t, c.Markers(chunk.KindObject))

	assert.Equal(t, 1, c.Apply(chunk.KindKeyword, []types.CompiledChunk{kwChunk("kw.1", t2)}))
	got, ok := c.Get(chunk.KindKeyword, "kw.1")
	require.True(t, ok)
	assert.Equal(t, t2, got.LastUpdate)

	assert.Equal(t, 1, c.Apply(chunk.KindKeyword, []types.CompiledChunk{{ChunkKey: "kw.2", Deleted: true}, {ChunkKey: "kw.9", Deleted: true}}))
	assert.Equal(t, 1, c.Len(chunk.KindKeyword))

	assert.Equal(t, []string{"kw.2", "kw.1", "kw.1", "kw.2"}, rec.keys(chunk.KindKeyword))
}

func TestCache_SkipsUnchangedMarkers(t *testing.T) {
	c := NewCache()
	rec := &recorder{}
	c.AddListener(rec)
	c.Apply(chunk.KindKeyword, []types.CompiledChunk{kwChunk("kw.1", t2)})

	assert.Zero(t, c.Apply(chunk.KindKeyword, []types.CompiledChunk{kwChunk("kw.1", t2)}))
	assert.Equal(t, []string{"kw.1"}, rec.keys(chunk.KindKeyword))
}

func TestCache_ReplacesWhenServerClockStepsBack(t *testing.T) {
	c := NewCache()
	c.Apply(chunk.KindKeyword, []types.CompiledChunk{
		{ChunkKey: "kw.1", EncodedData: []byte("old"), EncodedHash: "h1", LastUpdate: "2026-01-01T00:00:00.5Z"},
	})

	// A recompile after the server clock was set back carries an earlier
	// LastUpdate; it is still the server's current content.
	assert.Equal(t, 1, c.Apply(chunk.KindKeyword, []types.CompiledChunk{
		{ChunkKey: "kw.1", EncodedData: []byte("new"), EncodedHash: "h2", LastUpdate: "2026-01-01T00:00:00.1Z"},
	}))
	got, ok := c.Get(chunk.KindKeyword, "kw.1")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got.EncodedData)
	assert.Equal(t, []types.ChunkMarker{{ChunkKey: "kw.1", LastUpdate: "2026-01-01T00:00:00.1Z"}}, c.Markers(chunk.KindKeyword))
}

func TestPersist_RestoresMarkers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chunks")

	p, err := OpenPersist(dir)
	require.NoError(t, err)
	c := NewCache()
	require.NoError(t, c.Attach(p))
	c.Apply(chunk.KindKeyword, []types.CompiledChunk{kwChunk("kw.1", t1), kwChunk("kw.2", t1)})
	c.Apply(chunk.KindObject, []types.CompiledChunk{kwChunk("obj.5", t2)})
	c.Apply(chunk.KindKeyword, []types.CompiledChunk{{ChunkKey: "kw.2", Deleted: true}})
	require.NoError(t, p.Close())

	p, err = OpenPersist(dir)
	require.NoError(t, err)
	defer p.Close()

	restored := NewCache()
	rec := &recorder{}
	restored.AddListener(rec)
	require.NoError(t, restored.Attach(p))

	assert.Equal(t, []types.ChunkMarker{{ChunkKey: "kw.1", LastUpdate: t1}}, restored.Markers(chunk.KindKeyword))
	assert.Equal(t, []types.ChunkMarker{{ChunkKey: "obj.5", LastUpdate: t2}}, restored.Markers(chunk.KindObject))
	got, _ := restored.Get(chunk.KindKeyword, "kw.1")
	assert.Equal(t, []byte("kw.1"+t1), got.EncodedData)
	assert.Equal(t, []string{"kw.1"}, rec.keys(chunk.KindKeyword))
}

func TestObjectIndex_ResolvesAndFilters(t *testing.T) {
	keyer := chunkkey.New(chunk.KindObject.Namespace(), 0)
	c := NewCache()
	x, err := NewObjectIndex(c, 0, 4)
	require.NoError(t, err)

	put := func(lastUpdate string, objects map[int64]string) {
		byKey := make(map[string]map[int64]string)
		for id, packed := range objects {
			k := keyer.ObjectKey(id)
			if byKey[k] == nil {
				byKey[k] = make(map[int64]string)
			}
			byKey[k][id] = packed
		}
		var chunks []types.CompiledChunk
		for k, objs := range byKey {
			data, err := chunk.EncodeObjects(objs)
			require.NoError(t, err)
			chunks = append(chunks, types.CompiledChunk{ChunkKey: k, EncodedData: data, EncodedHash: chunk.Hash(data), LastUpdate: lastUpdate})
		}
		c.Apply(chunk.KindObject, chunks)
	}

	put(t1, map[int64]string{
		1: `{"name":"Acme Pump","_r_":[["Main","/a"]],"_otid_":2}`,
		2: `{"name":"Acme Valve","_r_":[],"_otid_":3}`,
	})

	objs, err := x.Objects([]int64{2, 1, 99}, 0)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, Object{ID: 2, ObjectTypeID: 3, Properties: map[string]string{"name": "Acme Valve"}, Routes: [][2]string{}}, objs[0])
	assert.Equal(t, [][2]string{{"Main", "/a"}}, objs[1].Routes)

	objs, err = x.Objects([]int64{1, 2}, 2)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, int64(1), objs[0].ID)

	put(t2, map[int64]string{1: `{"name":"Acme Big Pump","_r_":[],"_otid_":2}`})
	objs, err = x.Objects([]int64{1}, 0)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "Acme Big Pump", objs[0].Properties["name"])
}

func TestObjectIndex_IgnoresDecodedCopyOfReplacedChunk(t *testing.T) {
	keyer := chunkkey.New(chunk.KindObject.Namespace(), 0)
	c := NewCache()
	x, err := NewObjectIndex(c, 0, 4)
	require.NoError(t, err)

	key := keyer.ObjectKey(1)
	data, err := chunk.EncodeObjects(map[int64]string{1: `{"name":"Acme Big Pump","_r_":[],"_otid_":2}`})
	require.NoError(t, err)
	c.Apply(chunk.KindObject, []types.CompiledChunk{{ChunkKey: key, EncodedData: data, EncodedHash: chunk.Hash(data), LastUpdate: t2}})

	// A reader that fetched the previous chunk just before the replacement
	// was applied stores its decoded copy after the invalidation ran.
	x.decoded.Add(key, decodedChunk{
		lastUpdate: t1,
		hash:       "old",
		objects:    map[int64]string{1: `{"name":"Acme Pump","_r_":[],"_otid_":2}`},
	})

	objs, err := x.Objects([]int64{1}, 0)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "Acme Big Pump", objs[0].Properties["name"])

	d, ok := x.decoded.Get(key)
	require.True(t, ok)
	assert.Equal(t, t2, d.lastUpdate)

	// The same interleaving around a tombstone must not resurrect the object.
	c.Apply(chunk.KindObject, []types.CompiledChunk{{ChunkKey: key, Deleted: true}})
	x.decoded.Add(key, d)
	objs, err = x.Objects([]int64{1}, 0)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

type syncHarness struct {
	store  *store.Store
	fanout *fanout.Handler
	dials  atomic.Int32
	fail   atomic.Int32
}

func newSyncHarness(t *testing.T, chunks ...types.CompiledChunk) *syncHarness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	if len(chunks) > 0 {
		require.NoError(t, s.Update(context.Background(), func(tx *store.Tx) error {
			return tx.InsertChunks(context.Background(), chunk.KindKeyword, chunks)
		}))
	}
	return &syncHarness{store: s, fanout: fanout.NewHandler(s, 8)}
}

func (h *syncHarness) dialer() Dialer {
	srv := chunksync.NewServer(h.store, h.fanout, 2)
	return func(ctx context.Context) (chunksync.Stream, error) {
		h.dials.Add(1)
		if h.fail.Load() > 0 {
			h.fail.Add(-1)
			return nil, errors.New("connection refused")
		}
		client, server := chunksync.NewPipe(ctx, 16)
		go func() {
			srv.Serve(server)
			server.Close()
		}()
		return client, nil
	}
}

func waitInitial(t *testing.T, s *Syncer) {
	t.Helper()
	select {
	case <-s.InitialLoadDone():
	case <-time.After(5 * time.Second):
		t.Fatal("initial load did not complete")
	}
}

func TestSyncer_InitialLoadAndPush(t *testing.T) {
	h := newSyncHarness(t, kwChunk("kw.1", t1), kwChunk("kw.2", t1), kwChunk("kw.3", t1))
	c := NewCache()
	s := NewSyncer(c, h.dialer(), SyncerConfig{ReconnectBackoff: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitInitial(t, s)
	assert.Equal(t, 3, c.Len(chunk.KindKeyword))

	require.Eventually(t, func() bool { return h.fanout.Len() == 2 }, 5*time.Second, 5*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, h.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteChunks(ctx, chunk.KindKeyword, []string{"kw.1"}); err != nil {
			return err
		}
		return tx.InsertChunks(ctx, chunk.KindKeyword, []types.CompiledChunk{kwChunk("kw.1", t2)})
	}))
	h.fanout.Notify(ctx, chunk.KindKeyword, []string{"kw.1", "kw.3"})

	require.Eventually(t, func() bool {
		got, _ := c.Get(chunk.KindKeyword, "kw.1")
		return got.LastUpdate == t2 && c.Len(chunk.KindKeyword) == 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSyncer_ReconnectsAfterDialFailure(t *testing.T) {
	h := newSyncHarness(t, kwChunk("kw.1", t1))
	h.fail.Store(2)

	c := NewCache()
	s := NewSyncer(c, h.dialer(), SyncerConfig{ReconnectBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitInitial(t, s)
	assert.Equal(t, int32(3), h.dials.Load())
	assert.Equal(t, 1, c.Len(chunk.KindKeyword))
}

// gate blocks the first keyword change after it is armed until released.
type gate struct {
	armed   atomic.Bool
	once    sync.Once
	blocked chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{blocked: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) ChunksChanged(kind chunk.Kind, changed []types.CompiledChunk) {
	if kind != chunk.KindKeyword || !g.armed.Load() {
		return
	}
	g.once.Do(func() {
		close(g.blocked)
		<-g.release
	})
}

func TestSyncer_ReconnectsAfterFallingBehind(t *testing.T) {
	h := newSyncHarness(t, kwChunk("kw.1", t1))
	c := NewCache()
	g := newGate()
	c.AddListener(g)
	s := NewSyncer(c, h.dialer(), SyncerConfig{ReconnectBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitInitial(t, s)
	require.Eventually(t, func() bool { return h.fanout.Len() == 2 }, 5*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	replace := func(c types.CompiledChunk) {
		require.NoError(t, h.store.Update(ctx, func(tx *store.Tx) error {
			if err := tx.DeleteChunks(ctx, chunk.KindKeyword, []string{c.ChunkKey}); err != nil {
				return err
			}
			return tx.InsertChunks(ctx, chunk.KindKeyword, []types.CompiledChunk{c})
		}))
	}

	// The client stalls on the first push while the burst overflows every
	// buffer between it and the fan-out.
	g.armed.Store(true)
	replace(kwChunk("kw.1", t2))
	h.fanout.Notify(ctx, chunk.KindKeyword, []string{"kw.1"})
	select {
	case <-g.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("first push never reached the client")
	}
	for i := 0; i < 40; i++ {
		h.fanout.Notify(ctx, chunk.KindKeyword, []string{"kw.1"})
	}
	require.Eventually(t, func() bool { return h.fanout.Len() == 1 }, 5*time.Second, 5*time.Millisecond,
		"the keyword observer is dropped")

	// This change is never pushed; only a fresh reconcile can deliver it.
	const t3 = "2026-01-03T00:00:00Z"
	replace(kwChunk("kw.1", t3))
	close(g.release)

	require.Eventually(t, func() bool {
		got, _ := c.Get(chunk.KindKeyword, "kw.1")
		return got.LastUpdate == t3
	}, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.dials.Load(), int32(2))
}

func TestSyncer_StartTwice(t *testing.T) {
	h := newSyncHarness(t)
	s := NewSyncer(NewCache(), h.dialer(), SyncerConfig{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}
