package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "stop words dropped", in: "The rule of attendance", want: []string{"rule", "attendance"}},
		{name: "punctuation splits", in: "absence: medical-leave!", want: []string{"absence", "medical", "leave"}},
		{name: "diacritics folded", in: "Política de Asistencia", want: []string{"politica", "asistencia"}},
		{name: "numbers kept", in: "Article 80 applies", want: []string{"article", "80", "applies"}},
		{name: "empty", in: "", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnalyze(t *testing.T) {
	terms, count := Analyze("Exception to the attendance rule: medical exception")
	assert.Equal(t, 5, count)
	assert.Equal(t, []Term{
		{Text: "attendance", Freq: 1},
		{Text: "exception", Freq: 2},
		{Text: "medical", Freq: 1},
		{Text: "rule", Freq: 1},
	}, terms)

	assert.Equal(t, 2, TermFrequency(terms, "exception"))
	assert.Equal(t, 0, TermFrequency(terms, "missing"))
}
