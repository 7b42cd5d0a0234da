// Package dsa provides data structures shared by the policy layer.
// Uses go-radix for a compressed prefix tree (radix tree).
package dsa

import (
	"strings"
	"unicode"

	"github.com/armon/go-radix"
)

// Trie wraps go-radix for a compressed prefix tree.
//
// Keys are stored as given; callers that want case-insensitive matching
// insert lowercased keys and scan lowercased text.
//
// Time Complexity: O(k) per lookup where k is key length.
type Trie[V any] struct {
	tree *radix.Tree
	size int
}

// NewTrie creates a new empty radix tree.
func NewTrie[V any]() *Trie[V] {
	return &Trie[V]{
		tree: radix.New(),
	}
}

// Insert adds a key-value pair to the tree.
func (t *Trie[V]) Insert(key string, value V) {
	_, updated := t.tree.Insert(key, value)
	if !updated {
		t.size++
	}
}

// Search looks up a key in the tree.
func (t *Trie[V]) Search(key string) (V, bool) {
	val, found := t.tree.Get(key)
	if !found {
		var zero V
		return zero, false
	}
	v, ok := val.(V)
	if !ok {
		var zero V
		return zero, false
	}
	return v, true
}

// StartsWith returns all keys that start with the given prefix.
func (t *Trie[V]) StartsWith(prefix string) []string {
	var results []string
	t.tree.WalkPrefix(prefix, func(k string, v interface{}) bool {
		results = append(results, k)
		return false
	})
	return results
}

// Size returns the number of keys in the tree.
func (t *Trie[V]) Size() int {
	return t.size
}

// Keys returns all keys in the tree.
func (t *Trie[V]) Keys() []string {
	return t.StartsWith("")
}

// Match is one key found inside a scanned text.
type Match[V any] struct {
	Key   string
	Value V
	Start int
	End   int
}

// FindAll scans text for keys that start and end on word boundaries.
// At each word start the longest matching key wins; scanning resumes after it.
//
// LongestPrefix only reports the single longest stored prefix, so a shorter
// key is tried by walking the path when the longest one ends mid-word.
func (t *Trie[V]) FindAll(text string) []Match[V] {
	var matches []Match[V]
	for i := 0; i < len(text); {
		if !wordStart(text, i) {
			i++
			continue
		}
		if m, ok := t.matchAt(text, i); ok {
			matches = append(matches, m)
			i = m.End
			continue
		}
		i++
	}
	return matches
}

func (t *Trie[V]) matchAt(text string, start int) (Match[V], bool) {
	var best Match[V]
	found := false
	t.tree.WalkPath(text[start:], func(k string, v interface{}) bool {
		end := start + len(k)
		if !wordEnd(text, end) {
			return false
		}
		val, ok := v.(V)
		if !ok {
			return false
		}
		best = Match[V]{Key: k, Value: val, Start: start, End: end}
		found = true
		return false
	})
	return best, found
}

func wordStart(text string, i int) bool {
	if i == 0 {
		return true
	}
	return !isWordByte(text[i-1])
}

func wordEnd(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	return !isWordByte(text[end])
}

func isWordByte(b byte) bool {
	r := rune(b)
	return r >= 0x80 || unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// Normalize lowercases s and collapses runs of whitespace so keys and text
// compare the same way.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
