package search

import (
	"testing"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/chunkkey"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// load builds keyword chunks from postings the same way the compiler does
// and hands them to the engine.
func load(t *testing.T, e *Engine, postings ...types.Posting) {
	t.Helper()
	byChunk := make(map[string]chunk.KeywordIndex)
	for _, p := range postings {
		idx, ok := byChunk[p.ChunkKey]
		if !ok {
			idx = make(chunk.KeywordIndex)
			byChunk[p.ChunkKey] = idx
		}
		idx.Add(p.PropertyName, p.Keyword, p.ObjectID)
	}
	var chunks []types.CompiledChunk
	for key, idx := range byChunk {
		data, err := chunk.EncodeKeywordIndex(idx)
		require.NoError(t, err)
		chunks = append(chunks, types.CompiledChunk{ChunkKey: key, EncodedData: data, EncodedHash: chunk.Hash(data)})
	}
	e.ChunksChanged(chunk.KindKeyword, chunks)
}

func posting(keyer chunkkey.Keyer, keyword, property string, id int64) types.Posting {
	return types.Posting{ChunkKey: keyer.Key(keyword), Keyword: keyword, PropertyName: property, ObjectID: id}
}

func TestSearch_AndSemantics(t *testing.T) {
	e := NewEngine(0)
	k := e.keyer
	load(t, e,
		posting(k, "pump", "name", 1), posting(k, "pump", "name", 2), posting(k, "pump", "name", 3),
		posting(k, "red", "color", 2), posting(k, "red", "color", 3), posting(k, "red", "color", 4),
	)

	assert.Equal(t, []int64{2, 3}, e.Search("pump red", ""))
	assert.Equal(t, []int64{2, 3}, e.Search("Red, PUMP!", ""))
	assert.Empty(t, e.Search("pump blue", ""))
	assert.Empty(t, e.Search("", ""))
	assert.Empty(t, e.Search(" ,. ", ""))
}

func TestSearch_PropertyFilter(t *testing.T) {
	e := NewEngine(0)
	k := e.keyer
	load(t, e, posting(k, "acme", "name", 1), posting(k, "acme", "vendor", 2))

	assert.Equal(t, []int64{1, 2}, e.Search("acme", ""))
	assert.Equal(t, []int64{2}, e.Search("acme", "vendor"))
	assert.Empty(t, e.Search("acme", "color"))
}

func TestSearch_CapsAtLowestFifty(t *testing.T) {
	e := NewEngine(0)
	k := e.keyer
	var ps []types.Posting
	for id := int64(80); id >= 1; id-- {
		ps = append(ps, posting(k, "valve", "name", id*10))
	}
	load(t, e, ps...)

	got := e.Search("valve", "")
	require.Len(t, got, MaxResults)
	assert.Equal(t, int64(10), got[0])
	assert.Equal(t, int64(500), got[MaxResults-1])
}

func TestSearch_MissingChunkYieldsNothing(t *testing.T) {
	e := NewEngine(0)
	k := e.keyer
	load(t, e, posting(k, "pump", "name", 1))
	assert.Equal(t, []int64{1}, e.Search("pump", ""))

	e.ChunksChanged(chunk.KindKeyword, []types.CompiledChunk{{ChunkKey: k.Key("pump"), Deleted: true}})
	assert.Empty(t, e.Search("pump", ""))
	assert.Zero(t, e.Len())
}

func TestSearch_ChunkReplacedWholesale(t *testing.T) {
	e := NewEngine(0)
	k := e.keyer
	load(t, e, posting(k, "pump", "name", 1), posting(k, "pump", "name", 2))
	load(t, e, posting(k, "pump", "name", 3))

	assert.Equal(t, []int64{3}, e.Search("pump", ""))
}

func TestSearch_IgnoresObjectChunks(t *testing.T) {
	e := NewEngine(0)
	e.ChunksChanged(chunk.KindObject, []types.CompiledChunk{{ChunkKey: "obj.1", EncodedData: []byte("junk")}})
	assert.Zero(t, e.Len())
}

func TestSearch_ResultIsSubsetOfEveryToken(t *testing.T) {
	properties := gopter.DefaultTestParameters()
	properties.MinSuccessfulTests = 50
	props := gopter.NewProperties(properties)

	words := []string{"acme", "pump", "valve", "red", "blue"}
	props.Property("every result matches each token alone", prop.ForAll(
		func(assign []int, q1, q2 int) bool {
			e := NewEngine(16)
			var ps []types.Posting
			for i, w := range assign {
				ps = append(ps, posting(e.keyer, words[w], "name", int64(i)))
				ps = append(ps, posting(e.keyer, words[(w+1)%len(words)], "name", int64(i)))
			}
			load(t, e, ps...)

			both := e.Search(words[q1]+" "+words[q2], "")
			a := set(e.Search(words[q1], ""))
			b := set(e.Search(words[q2], ""))
			for _, id := range both {
				if !a[id] || !b[id] {
					return false
				}
			}
			return len(both) <= MaxResults
		},
		gen.SliceOfN(40, gen.IntRange(0, len(words)-1)),
		gen.IntRange(0, len(words)-1),
		gen.IntRange(0, len(words)-1),
	))
	props.TestingRun(t)
}

func set(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
