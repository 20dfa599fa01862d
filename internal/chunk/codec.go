package chunk

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/golang/snappy"
)

// KeywordIndex is the unpacked content of a keyword chunk:
// property name → keyword → ascending object ids.
type KeywordIndex map[string]map[string][]int64

// Add appends an object id under property/keyword.
func (idx KeywordIndex) Add(property, keyword string, objectID int64) {
	byKeyword, ok := idx[property]
	if !ok {
		byKeyword = make(map[string][]int64)
		idx[property] = byKeyword
	}
	byKeyword[keyword] = append(byKeyword[keyword], objectID)
}

// EncodeKeywordIndex serializes a keyword index. Id lists are sorted and
// de-duplicated in place.
func EncodeKeywordIndex(idx KeywordIndex) ([]byte, error) {
	for _, byKeyword := range idx {
		for kw, ids := range byKeyword {
			byKeyword[kw] = sortUnique(ids)
		}
	}
	raw, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("chunk: failed to encode keyword index: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeKeywordIndex reverses EncodeKeywordIndex.
func DecodeKeywordIndex(data []byte) (KeywordIndex, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("chunk: snappy decompress failed: %w", err)
	}
	idx := make(KeywordIndex)
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("chunk: failed to decode keyword index: %w", err)
	}
	return idx, nil
}

// EncodeObjects serializes an object chunk: object id → packed JSON.
func EncodeObjects(objects map[int64]string) ([]byte, error) {
	raw, err := json.Marshal(objects)
	if err != nil {
		return nil, fmt.Errorf("chunk: failed to encode objects: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeObjects reverses EncodeObjects.
func DecodeObjects(data []byte) (map[int64]string, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("chunk: snappy decompress failed: %w", err)
	}
	objects := make(map[int64]string)
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("chunk: failed to decode objects: %w", err)
	}
	return objects, nil
}

// Hash returns the content hash of an encoded payload.
func Hash(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func sortUnique(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}
