// Package quote defines the ticker symbols and price values exchanged by the relay.
package quote

import (
	"regexp"
	"sort"
	"strings"
)

const (
	// SymbolsDelimiter separates tickers inside a client subscription message.
	SymbolsDelimiter = ","
	// MaxSymbolLength bounds the length of a single ticker.
	MaxSymbolLength = 16
)

var tickerPattern = regexp.MustCompile(`^\^?[A-Z0-9]+(?:[.\-][A-Z0-9]+)*$`)

// Symbol is a validated, upper-case ticker identifier.
type Symbol string

func (s Symbol) String() string { return string(s) }

// ValidSymbol reports whether token satisfies the ticker grammar as-is.
func ValidSymbol(token string) bool {
	if token == "" || len(token) > MaxSymbolLength {
		return false
	}
	return tickerPattern.MatchString(token)
}

// ParseSymbols splits a raw subscription payload into valid, distinct symbols.
// Tokens are trimmed and upper-cased; empty or malformed tokens are dropped and
// duplicates collapse onto their first occurrence.
func ParseSymbols(raw string) []Symbol {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	tokens := strings.Split(raw, SymbolsDelimiter)
	out := make([]Symbol, 0, len(tokens))
	seen := make(map[Symbol]struct{}, len(tokens))
	for _, token := range tokens {
		normalized := strings.ToUpper(strings.TrimSpace(token))
		if !ValidSymbol(normalized) {
			continue
		}
		sym := Symbol(normalized)
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// JoinSymbols renders symbols in wire form.
func JoinSymbols(symbols []Symbol) string {
	parts := make([]string, len(symbols))
	for i, sym := range symbols {
		parts[i] = string(sym)
	}
	return strings.Join(parts, SymbolsDelimiter)
}

// SymbolSet is an unordered collection of distinct symbols.
type SymbolSet map[Symbol]struct{}

// NewSymbolSet builds a set from the provided symbols.
func NewSymbolSet(symbols ...Symbol) SymbolSet {
	set := make(SymbolSet, len(symbols))
	for _, sym := range symbols {
		set[sym] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s SymbolSet) Contains(sym Symbol) bool {
	_, ok := s[sym]
	return ok
}

// Difference returns the symbols of s that are absent from other.
func (s SymbolSet) Difference(other SymbolSet) []Symbol {
	if len(s) == 0 {
		return nil
	}
	out := make([]Symbol, 0, len(s))
	for sym := range s {
		if _, ok := other[sym]; ok {
			continue
		}
		out = append(out, sym)
	}
	sortSymbols(out)
	return out
}

// Clone returns an independent copy of the set.
func (s SymbolSet) Clone() SymbolSet {
	cloned := make(SymbolSet, len(s))
	for sym := range s {
		cloned[sym] = struct{}{}
	}
	return cloned
}

// Sorted returns the members in lexical order.
func (s SymbolSet) Sorted() []Symbol {
	out := make([]Symbol, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	sortSymbols(out)
	return out
}

func sortSymbols(symbols []Symbol) {
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
}
