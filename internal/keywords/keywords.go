// Package keywords derives word-frequency tables from transcripts and renders
// them as word-cloud images.
//
// Tokenisation follows the Unicode word-boundary rules (UAX #29), so Hangul,
// Latin and mixed-script text segment the same way a person would read it.
// Counting is case-sensitive.
package keywords

import (
	"cmp"
	"slices"
	"unicode"

	"github.com/rivo/uniseg"
)

// WordCount is one row of a frequency table.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Table is a frequency table sorted by descending count, ties broken by word.
type Table struct {
	Words []WordCount `json:"words"`
}

// Total returns the number of tokens the table was built from.
func (t Table) Total() int {
	n := 0
	for _, w := range t.Words {
		n += w.Count
	}
	return n
}

// Len returns the number of distinct words.
func (t Table) Len() int { return len(t.Words) }

// Tokenize splits text at Unicode word boundaries and keeps the segments
// that contain at least one letter or digit.
func Tokenize(text string) []string {
	var tokens []string
	state := -1
	for len(text) > 0 {
		var word string
		word, text, state = uniseg.FirstWordInString(text, state)
		if isWord(word) {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

func isWord(segment string) bool {
	for _, r := range segment {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Count builds the frequency table of text. Empty or punctuation-only input
// yields an empty table.
func Count(text string) Table {
	counts := make(map[string]int)
	for _, tok := range Tokenize(text) {
		counts[tok]++
	}
	words := make([]WordCount, 0, len(counts))
	for w, c := range counts {
		words = append(words, WordCount{Word: w, Count: c})
	}
	slices.SortFunc(words, func(a, b WordCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Word, b.Word)
	})
	return Table{Words: words}
}
