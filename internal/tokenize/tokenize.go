// Package tokenize splits free text into normalized keyword tokens.
//
// Tokenization is deliberately naive: lowercase, drop ASCII punctuation,
// split on single spaces, trim. Writers and readers must run the exact same
// function or search silently misses.
package tokenize

import (
	"sort"
	"strings"
)

// Punctuation is the set of characters removed before splitting.
const Punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Tokenize returns the set of keyword tokens in text.
func Tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})

	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(Punctuation, r) {
			return -1
		}
		return r
	}, strings.ToLower(text))

	for _, word := range strings.Split(cleaned, " ") {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		tokens[word] = struct{}{}
	}
	return tokens
}

// Sorted returns the tokens of text in ascending order.
func Sorted(text string) []string {
	set := Tokenize(text)
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
