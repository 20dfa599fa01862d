package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/storage"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*store.Store, *storage.LocalStorage) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return s, objects
}

func put(t *testing.T, s *store.Store, kind chunk.Kind, chunks ...types.CompiledChunk) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		keys := make([]string, len(chunks))
		for i, c := range chunks {
			keys[i] = c.ChunkKey
		}
		if err := tx.DeleteChunks(ctx, kind, keys); err != nil {
			return err
		}
		return tx.InsertChunks(ctx, kind, chunks)
	}))
}

func TestMirror_SyncAndRestore(t *testing.T) {
	s, objects := setup(t)
	ctx := context.Background()
	a := types.CompiledChunk{ChunkKey: "kw.1", EncodedData: []byte("a"), EncodedHash: "ha", LastUpdate: "t1"}
	b := types.CompiledChunk{ChunkKey: "kw.2", EncodedData: []byte("b"), EncodedHash: "hb", LastUpdate: "t1"}
	put(t, s, chunk.KindKeyword, a, b)

	m := NewMirror(s, objects, "")
	require.NoError(t, m.Sync(ctx, chunk.KindKeyword, []string{"kw.1", "kw.2"}))

	got, err := Restore(ctx, objects, "", chunk.KindKeyword, 2)
	require.NoError(t, err)
	assert.Equal(t, []types.CompiledChunk{a, b}, got)

	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteChunks(ctx, chunk.KindKeyword, []string{"kw.1"})
	}))
	m.Notify(ctx, chunk.KindKeyword, []string{"kw.1"})

	got, err = Restore(ctx, objects, "", chunk.KindKeyword, 2)
	require.NoError(t, err)
	assert.Equal(t, []types.CompiledChunk{b}, got)

	got, err = Restore(ctx, objects, "", chunk.KindObject, 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMirror_Snapshot(t *testing.T) {
	s, objects := setup(t)
	ctx := context.Background()
	put(t, s, chunk.KindObject,
		types.CompiledChunk{ChunkKey: "obj.1", EncodedData: []byte("x"), EncodedHash: "h", LastUpdate: "t"},
		types.CompiledChunk{ChunkKey: "obj.3", EncodedData: []byte("y"), EncodedHash: "h", LastUpdate: "t"},
	)

	m := NewMirror(s, objects, "mirror/")
	n, err := m.Snapshot(ctx, chunk.KindObject)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	paths, err := objects.List(ctx, "mirror/obj/")
	require.NoError(t, err)
	assert.Equal(t, []string{"mirror/obj/obj.1", "mirror/obj/obj.3"}, paths)
}
