// Package ahocorasick provides fixed-string line matching using an Aho-Corasick automaton.
// It wraps the petar-dambovaliev/aho-corasick library for O(n + m) matching.
package ahocorasick

import (
	aho "github.com/petar-dambovaliev/aho-corasick"
)

// Substring matches one fixed pattern, optionally ignoring ASCII case.
// A Substring is not safe for concurrent use; build one per scanning worker.
type Substring struct {
	automaton aho.AhoCorasick
	pattern   string
}

// NewSubstring compiles an automaton for pattern. With foldASCII set, A-Z
// and a-z compare equal; other bytes must match exactly.
func NewSubstring(pattern string, foldASCII bool) *Substring {
	builder := aho.NewAhoCorasickBuilder(aho.Opts{
		AsciiCaseInsensitive: foldASCII,
		DFA:                  true,
	})
	return &Substring{
		automaton: builder.Build([]string{pattern}),
		pattern:   pattern,
	}
}

// Contains reports whether text holds the pattern. It stops at the first
// occurrence.
func (s *Substring) Contains(text string) bool {
	if s.pattern == "" {
		return true
	}
	return s.automaton.Iter(text).Next() != nil
}
