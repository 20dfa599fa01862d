package chunkkey

import (
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestKeyer_Format(t *testing.T) {
	k := New("kw", 16)
	key := k.Key("pump")

	assert.True(t, strings.HasPrefix(key, "kw."))
	bucket, err := strconv.Atoi(strings.TrimPrefix(key, "kw."))
	assert.NoError(t, err)
	assert.Less(t, bucket, 16)
	assert.Equal(t, "kw", Namespace(key))
}

func TestKeyer_DefaultBuckets(t *testing.T) {
	k := New("obj", 0)
	assert.Equal(t, uint32(DefaultBuckets), k.Buckets)
}

func TestKeyer_KnownValues(t *testing.T) {
	// Pinned so an accidental hash change shows up as a test failure rather
	// than as clients silently looking in the wrong shard.
	k := New("kw", DefaultBuckets)
	assert.Equal(t, "kw.3280", k.Key("acme"))
	assert.Equal(t, "kw.1099", k.Key("pump"))
	assert.Equal(t, "kw.6885", k.Key("valve"))
	assert.Equal(t, "obj.1576", New("obj", DefaultBuckets).ObjectKey(7))
}

func TestNamespace_NoDot(t *testing.T) {
	assert.Equal(t, "", Namespace("plain"))
}

func TestProperty_ChunkKeyStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same input and bucket count give the same key", prop.ForAll(
		func(s string, buckets int) bool {
			a := New("kw", buckets)
			b := New("kw", buckets)
			return a.Key(s) == b.Key(s) && a.Key(s) == a.Key(s)
		},
		gen.AnyString(),
		gen.IntRange(1, 1<<16),
	))

	properties.Property("bucket is always within range", prop.ForAll(
		func(s string, buckets int) bool {
			return New("kw", buckets).Bucket(s) < uint32(buckets)
		},
		gen.AnyString(),
		gen.IntRange(1, 1<<16),
	))

	properties.TestingRun(t)
}
