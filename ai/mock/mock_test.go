package mock

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := NewMockEmbedderWithDimension(16)

	a, err := e.EmbedText(ctx, "attendance")
	require.NoError(t, err)
	b, err := e.EmbedText(ctx, "attendance")
	require.NoError(t, err)
	c, err := e.EmbedText(ctx, "exception")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)

	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)

	batch, err := e.EmbedTexts(ctx, []string{"attendance", "exception"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{a, c}, batch)
	assert.Equal(t, 4, e.CallCount())

	e.Reset()
	assert.Zero(t, e.CallCount())
}

func TestMockGraphExtractor_LineFormat(t *testing.T) {
	e := NewMockGraphExtractor()
	text := `Attendance Rule: Students must attend 90% of classes
Medical Exception: Absences with a doctor's note are excused
Medical Exception OVERRIDES Attendance Rule
Final Exam REQUIRES Attendance Rule
just prose without structure`

	g, err := e.ExtractGraph(context.Background(), text)
	require.NoError(t, err)

	names := make([]string, len(g.Entities))
	for i, ent := range g.Entities {
		names[i] = ent.Name
	}
	assert.Equal(t, []string{"Attendance Rule", "Medical Exception", "Final Exam"}, names)
	assert.Equal(t, "Students must attend 90% of classes", g.Entities[0].Description)

	require.Len(t, g.Relations, 2)
	assert.Equal(t, "Medical Exception", g.Relations[0].Source)
	assert.Equal(t, "Attendance Rule", g.Relations[0].Target)
	assert.Equal(t, "OVERRIDES", g.Relations[0].Type)
	assert.Equal(t, "REQUIRES", g.Relations[1].Type)
	assert.Equal(t, 1, e.CallCount())
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider()
	assert.NotNil(t, p.Embedder())
	assert.NotNil(t, p.GraphExtractor())

	mp := p.(*MockProvider)
	assert.Same(t, mp.MockEmbedder(), p.Embedder())
	assert.Same(t, mp.MockExtractor(), p.GraphExtractor())

	assert.False(t, mp.Closed())
	assert.NoError(t, p.Close())
	assert.True(t, mp.Closed())
}
