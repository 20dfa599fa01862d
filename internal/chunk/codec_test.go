package chunk

import (
	"testing"

	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_NamespaceRoundTrip(t *testing.T) {
	for _, k := range Kinds {
		got, ok := KindForNamespace(k.Namespace())
		require.True(t, ok)
		assert.Equal(t, k, got)

		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, ok := KindForNamespace("nope")
	assert.False(t, ok)
	_, err := ParseKind("nope")
	assert.Error(t, err)
}

func TestKeywordIndex_EncodeDecode(t *testing.T) {
	idx := make(KeywordIndex)
	idx.Add("name", "pump", 3)
	idx.Add("name", "pump", 1)
	idx.Add("name", "pump", 3)
	idx.Add("desc", "red", 2)

	data, err := EncodeKeywordIndex(idx)
	require.NoError(t, err)

	got, err := DecodeKeywordIndex(data)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, got["name"]["pump"])
	assert.Equal(t, []int64{2}, got["desc"]["red"])
}

func TestKeywordIndex_DeterministicBytes(t *testing.T) {
	a := make(KeywordIndex)
	a.Add("name", "acme", 1)
	a.Add("name", "acme", 2)
	a.Add("desc", "valve", 2)

	b := make(KeywordIndex)
	b.Add("desc", "valve", 2)
	b.Add("name", "acme", 2)
	b.Add("name", "acme", 1)

	da, err := EncodeKeywordIndex(a)
	require.NoError(t, err)
	db, err := EncodeKeywordIndex(b)
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.Equal(t, Hash(da), Hash(db))
}

func TestObjects_EncodeDecode(t *testing.T) {
	objects := map[int64]string{
		7:  `{"_otid_":1,"_r_":[],"key":"A"}`,
		12: `{"_otid_":1,"_r_":[["Main","/a"]],"key":"B"}`,
	}
	data, err := EncodeObjects(objects)
	require.NoError(t, err)

	got, err := DecodeObjects(data)
	require.NoError(t, err)
	assert.Equal(t, objects, got)
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := DecodeKeywordIndex([]byte("not snappy"))
	assert.Error(t, err)
	_, err = DecodeObjects([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestHash_Empty(t *testing.T) {
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", Hash(nil))
}

func TestWire_RoundTrip(t *testing.T) {
	in := types.CompiledChunk{
		ChunkKey:    "kw.3280",
		EncodedData: []byte{1, 2, 3, 0, 4},
		EncodedHash: "abc=",
		LastUpdate:  "2026-01-02T03:04:05.000000006Z",
	}
	out, err := ParseWire(AppendWire(nil, in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	tomb := types.CompiledChunk{ChunkKey: "obj.1", Deleted: true}
	out, err = ParseWire(AppendWire(nil, tomb))
	require.NoError(t, err)
	assert.Equal(t, tomb, out)
}

func TestWire_Truncated(t *testing.T) {
	b := AppendWire(nil, types.CompiledChunk{ChunkKey: "kw.1", EncodedData: []byte("payload")})
	_, err := ParseWire(b[:len(b)-2])
	assert.Error(t, err)
}

func TestProperty_KeywordHashStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order does not change the hash", prop.ForAll(
		func(ids []int64) bool {
			fwd := make(KeywordIndex)
			rev := make(KeywordIndex)
			for i, id := range ids {
				fwd.Add("p", "k", id)
				rev.Add("p", "k", ids[len(ids)-1-i])
			}
			a, err := EncodeKeywordIndex(fwd)
			if err != nil {
				return false
			}
			b, err := EncodeKeywordIndex(rev)
			if err != nil {
				return false
			}
			return Hash(a) == Hash(b)
		},
		gen.SliceOf(gen.Int64Range(1, 1000)),
	))

	properties.TestingRun(t)
}
