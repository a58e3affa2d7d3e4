package search

import (
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/poiesic/codex/core"
)

// keywordQuery is a parsed websearch-style query: every clause must match,
// a clause matches when any of its terms occurs, and no excluded term may occur.
type keywordQuery struct {
	clauses  [][]string
	excluded []string
}

type queryWord struct {
	text    string
	quoted  bool
	negated bool
}

// parseKeywordQuery parses text the way web search boxes do:
//
//	attendance medical      both words
//	attendance or absence   either word
//	"medical certificate"   every word of the phrase
//	-sports                 excludes the word
//
// Words are folded and stop words dropped with the same analyzer that indexes
// fragments, so the query and the documents agree on tokens.
func parseKeywordQuery(text string) keywordQuery {
	var (
		q         keywordQuery
		pendingOr bool
	)
	for _, w := range splitQueryWords(text) {
		if !w.quoted && !w.negated && core.FoldText(w.text) == "or" {
			pendingOr = len(q.clauses) > 0
			continue
		}
		tokens := core.Tokenize(w.text)
		if len(tokens) == 0 {
			continue
		}
		if w.negated {
			q.excluded = append(q.excluded, tokens...)
			pendingOr = false
			continue
		}
		for i, tok := range tokens {
			if i == 0 && pendingOr {
				last := len(q.clauses) - 1
				q.clauses[last] = append(q.clauses[last], tok)
				continue
			}
			q.clauses = append(q.clauses, []string{tok})
		}
		pendingOr = false
	}
	return q
}

func splitQueryWords(text string) []queryWord {
	var (
		words   []queryWord
		current strings.Builder
		quoted  bool
		negated bool
	)
	flush := func() {
		if current.Len() > 0 {
			words = append(words, queryWord{text: current.String(), quoted: quoted, negated: negated})
		}
		current.Reset()
		negated = false
	}

	for _, r := range text {
		switch {
		case r == '"':
			flush()
			quoted = !quoted
		case quoted:
			current.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		case r == '-' && current.Len() == 0:
			negated = true
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

// empty reports whether nothing in the query can match.
func (q keywordQuery) empty() bool {
	return len(q.clauses) == 0
}

// terms returns the distinct positive terms, sorted.
func (q keywordQuery) terms() []string {
	var out []string
	for _, clause := range q.clauses {
		out = append(out, clause...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// matches evaluates the boolean structure against a sorted term list.
func (q keywordQuery) matches(terms []core.Term) bool {
	if q.empty() {
		return false
	}
	for _, ex := range q.excluded {
		if core.TermFrequency(terms, ex) > 0 {
			return false
		}
	}
	for _, clause := range q.clauses {
		found := false
		for _, t := range clause {
			if core.TermFrequency(terms, t) > 0 {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// bm25 holds Okapi BM25 parameters.
type bm25 struct {
	k1 float64
	b  float64
}

var defaultBM25 = bm25{k1: 1.2, b: 0.75}

// corpusStats accumulates the in-scope document statistics BM25 needs.
type corpusStats struct {
	docs     int
	totalLen int
	df       []int
}

func newCorpusStats(terms int) *corpusStats {
	return &corpusStats{df: make([]int, terms)}
}

func (c *corpusStats) add(length int, tf []int) {
	c.docs++
	c.totalLen += length
	for i, f := range tf {
		if f > 0 {
			c.df[i]++
		}
	}
}

func (c *corpusStats) avgLen() float64 {
	if c.docs == 0 || c.totalLen == 0 {
		return 1
	}
	return float64(c.totalLen) / float64(c.docs)
}

// idf is the Lucene variant, which stays positive for terms in most documents.
func (p bm25) idf(docs, df int) float64 {
	return math.Log(1 + (float64(docs)-float64(df)+0.5)/(float64(df)+0.5))
}

// score computes the BM25 relevance of one document given its per-term frequencies.
func (p bm25) score(stats *corpusStats, length int, tf []int) float64 {
	avg := stats.avgLen()
	norm := p.k1 * (1 - p.b + p.b*float64(length)/avg)
	var s float64
	for i, f := range tf {
		if f == 0 {
			continue
		}
		freq := float64(f)
		s += p.idf(stats.docs, stats.df[i]) * freq * (p.k1 + 1) / (freq + norm)
	}
	return s
}
