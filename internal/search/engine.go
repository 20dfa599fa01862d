// Package search answers keyword queries from the client's cached keyword
// chunks.
package search

import (
	"log"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/chunkkey"
	"github.com/arkilian/chunkindex/internal/tokenize"
	"github.com/arkilian/chunkindex/pkg/types"
)

// MaxResults caps the ids returned by Search.
const MaxResults = 50

// Engine keeps an unpacked reverse index per keyword chunk.
type Engine struct {
	keyer chunkkey.Keyer

	mu     sync.RWMutex
	chunks map[string]chunk.KeywordIndex
}

// NewEngine creates an engine for keyword chunks sharded over buckets.
func NewEngine(buckets int) *Engine {
	return &Engine{
		keyer:  chunkkey.New(chunk.KindKeyword.Namespace(), buckets),
		chunks: make(map[string]chunk.KeywordIndex),
	}
}

// ChunksChanged unpacks replaced keyword chunks and drops tombstoned ones.
func (e *Engine) ChunksChanged(kind chunk.Kind, changed []types.CompiledChunk) {
	if kind != chunk.KindKeyword {
		return
	}
	decoded := make(map[string]chunk.KeywordIndex, len(changed))
	for _, c := range changed {
		if c.Deleted {
			decoded[c.ChunkKey] = nil
			continue
		}
		idx, err := chunk.DecodeKeywordIndex(c.EncodedData)
		if err != nil {
			log.Printf("search: dropping undecodable chunk %s: %v", c.ChunkKey, err)
			decoded[c.ChunkKey] = nil
			continue
		}
		decoded[c.ChunkKey] = idx
	}

	e.mu.Lock()
	for key, idx := range decoded {
		if idx == nil {
			delete(e.chunks, key)
			continue
		}
		e.chunks[key] = idx
	}
	e.mu.Unlock()
}

// Len returns the number of unpacked chunks.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.chunks)
}

// Search returns the ids of objects matching every token of text, limited
// to property when it is non-empty. At most MaxResults ids are returned,
// the lowest first.
func (e *Engine) Search(text, property string) []int64 {
	tokens := tokenize.Sorted(text)
	if len(tokens) == 0 {
		return nil
	}

	byChunk := make(map[string][]string)
	for _, tok := range tokens {
		key := e.keyer.Key(tok)
		byChunk[key] = append(byChunk[key], tok)
	}

	e.mu.RLock()
	matches := make(map[string]*roaring64.Bitmap, len(tokens))
	for key, toks := range byChunk {
		idx := e.chunks[key]
		for _, tok := range toks {
			matches[tok] = postings(idx, tok, property)
		}
	}
	e.mu.RUnlock()

	bitmaps := make([]*roaring64.Bitmap, 0, len(matches))
	for _, bm := range matches {
		if bm.IsEmpty() {
			return nil
		}
		bitmaps = append(bitmaps, bm)
	}
	sort.Slice(bitmaps, func(i, j int) bool { return bitmaps[i].GetCardinality() < bitmaps[j].GetCardinality() })

	result := bitmaps[0]
	for _, bm := range bitmaps[1:] {
		result.And(bm)
		if result.IsEmpty() {
			return nil
		}
	}

	out := make([]int64, 0, MaxResults)
	it := result.Iterator()
	for it.HasNext() && len(out) < MaxResults {
		out = append(out, int64(it.Next()))
	}
	return out
}

// postings collects the ids under tok for property, or across every
// property when property is empty. A nil index yields an empty bitmap.
func postings(idx chunk.KeywordIndex, tok, property string) *roaring64.Bitmap {
	bm := roaring64.New()
	if idx == nil {
		return bm
	}
	add := func(ids []int64) {
		for _, id := range ids {
			if id >= 0 {
				bm.Add(uint64(id))
			}
		}
	}
	if property != "" {
		add(idx[property][tok])
		return bm
	}
	for _, byKeyword := range idx {
		add(byKeyword[tok])
	}
	return bm
}
