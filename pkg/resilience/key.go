package resilience

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

const keySeparator = "/"

// Key is a normalised feature key: an ordered sequence of non-empty segments such as
// ["Queue", "Produce", "orders"]. The zero Key is empty and selects no pipeline.
type Key struct {
	segments []string
}

// NewKey builds a key, dropping empty and blank segments.
func NewKey(segments ...string) Key {
	return ComposeKey(segments)
}

// ComposeKey concatenates several segment sequences into one normalised key, so a queue-level
// key can be layered with an operation-level key.
func ComposeKey(parts ...[]string) Key {
	var out []string

	for _, part := range parts {
		for _, segment := range part {
			if strings.TrimSpace(segment) == "" {
				continue
			}

			out = append(out, segment)
		}
	}

	return Key{segments: out}
}

// ParseKey parses the canonical form produced by Key.String.
func ParseKey(canonical string) (Key, error) {
	var segments []string

	for raw := range strings.SplitSeq(canonical, keySeparator) {
		segment, err := url.PathUnescape(raw)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %q: %w", ErrInvalidKey, canonical, err)
		}

		segments = append(segments, segment)
	}

	key := NewKey(segments...)
	if key.IsEmpty() {
		return Key{}, fmt.Errorf("%w: %q is empty", ErrInvalidKey, canonical)
	}

	return key, nil
}

func (k Key) IsEmpty() bool {
	return len(k.segments) == 0
}

func (k Key) Len() int {
	return len(k.segments)
}

func (k Key) Segments() []string {
	return slices.Clone(k.segments)
}

// Prefix returns the key made of the first n segments.
func (k Key) Prefix(n int) Key {
	n = min(max(n, 0), len(k.segments))

	return Key{segments: k.segments[:n:n]}
}

// String is the canonical cache form: segments path-escaped and joined with "/", so a segment
// containing the separator cannot collide with two segments.
func (k Key) String() string {
	escaped := make([]string, len(k.segments))
	for i, segment := range k.segments {
		escaped[i] = url.PathEscape(segment)
	}

	return strings.Join(escaped, keySeparator)
}
