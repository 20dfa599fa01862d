// Package chunkkey maps strings onto a fixed number of shard buckets.
//
// Writers, compilers and clients all compute the same bucket for the same
// string without coordinating, so the hash must never change between
// releases: murmur3 32-bit with seed 0.
package chunkkey

import (
	"strconv"

	"github.com/spaolacci/murmur3"
)

// DefaultBuckets is the default number of shard buckets per namespace.
const DefaultBuckets = 8192

// Keyer derives namespaced chunk keys.
type Keyer struct {
	Namespace string
	Buckets   uint32
}

// New creates a Keyer. A zero bucket count falls back to DefaultBuckets.
func New(namespace string, buckets int) Keyer {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	return Keyer{Namespace: namespace, Buckets: uint32(buckets)}
}

// Bucket returns the shard bucket for s.
func (k Keyer) Bucket(s string) uint32 {
	return murmur3.Sum32([]byte(s)) % k.Buckets
}

// Key returns the chunk key for s, e.g. "kw.417".
func (k Keyer) Key(s string) string {
	return k.Namespace + "." + strconv.FormatUint(uint64(k.Bucket(s)), 10)
}

// ObjectKey returns the chunk key for an object id.
func (k Keyer) ObjectKey(id int64) string {
	return k.Key(strconv.FormatInt(id, 10))
}

// Namespace returns the namespace part of a chunk key, or "" if the key has
// none.
func Namespace(chunkKey string) string {
	for i := 0; i < len(chunkKey); i++ {
		if chunkKey[i] == '.' {
			return chunkKey[:i]
		}
	}
	return ""
}
