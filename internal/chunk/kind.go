// Package chunk defines the compiled chunk kinds and their payload codecs.
//
// A chunk payload is JSON with sorted keys, snappy-compressed. The same
// logical content always produces the same bytes, so the content hash can be
// used to suppress no-op rewrites.
package chunk

import "fmt"

// Kind identifies one family of compiled chunks.
type Kind int

const (
	KindKeyword Kind = iota
	KindObject
)

// Kinds lists every chunk kind.
var Kinds = []Kind{KindKeyword, KindObject}

// String returns the kind name used in config, logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindKeyword:
		return "keyword"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Namespace returns the chunk key prefix for the kind. It doubles as the
// subscription scope.
func (k Kind) Namespace() string {
	switch k {
	case KindKeyword:
		return "kw"
	case KindObject:
		return "obj"
	default:
		return ""
	}
}

// KindForNamespace resolves a namespace or scope back to its kind.
func KindForNamespace(ns string) (Kind, bool) {
	for _, k := range Kinds {
		if k.Namespace() == ns {
			return k, true
		}
	}
	return 0, false
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("chunk: unknown kind %q", s)
}
