package core

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Stop words dropped from the token representation
var stopWords = map[string]bool{
	// english
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true, "or": true, "its": true, "were": true, "been": true,
	// spanish
	"de": true, "la": true, "el": true, "en": true, "y": true, "los": true,
	"las": true, "del": true, "se": true, "por": true, "un": true, "una": true,
	"para": true, "con": true, "su": true, "al": true, "lo": true, "como": true,
	"es": true, "que": true,
}

// IsStopWord reports whether a folded token is ignored by the analyzer.
func IsStopWord(token string) bool {
	return stopWords[token]
}

// FoldText case-folds text and strips combining marks so "Política" and "politica" compare equal.
// Transformers are stateful, so one chain is built per call.
func FoldText(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		return strings.ToLower(text)
	}
	return folded
}

// Tokenize splits text into folded word tokens, dropping stop words.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(FoldText(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	filtered := words[:0]
	for _, w := range words {
		if !stopWords[w] {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

// Analyze builds the derived token representation of text: term frequencies sorted by term,
// plus the total token count.
func Analyze(text string) ([]Term, int) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, 0
	}
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	terms := make([]Term, 0, len(counts))
	for text, freq := range counts {
		terms = append(terms, Term{Text: text, Freq: freq})
	}
	slices.SortFunc(terms, func(a, b Term) int {
		return strings.Compare(a.Text, b.Text)
	})
	return terms, len(tokens)
}

// TermFrequency looks up a token in a sorted term list. Returns 0 when absent.
func TermFrequency(terms []Term, token string) int {
	i, found := slices.BinarySearchFunc(terms, token, func(t Term, target string) int {
		return strings.Compare(t.Text, target)
	})
	if !found {
		return 0
	}
	return terms[i].Freq
}
