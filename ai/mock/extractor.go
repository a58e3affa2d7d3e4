package mock

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/poiesic/codex/ai"
)

// MockGraphExtractor is a test double for ai.GraphExtractor.
// It allows custom behavior injection via function fields.
type MockGraphExtractor struct {
	// ExtractGraphFunc is called by ExtractGraph if set.
	// If nil, uses the default line format described on ExtractGraph.
	ExtractGraphFunc func(ctx context.Context, text string) (*ai.ExtractedGraph, error)

	callCount atomic.Int64
}

// NewMockGraphExtractor creates a mock extractor with default behavior.
func NewMockGraphExtractor() *MockGraphExtractor {
	return &MockGraphExtractor{}
}

// ExtractGraph parses a tiny line format, one statement per line:
//
//	Attendance Rule: Students must attend 90% of classes
//	Medical Exception OVERRIDES Attendance Rule
//
// "Name: description" declares an entity of type concept. "A TYPE B", where TYPE
// is one of ai.RelationTypes, declares a relation and both endpoints. Other
// lines are ignored.
func (m *MockGraphExtractor) ExtractGraph(ctx context.Context, text string) (*ai.ExtractedGraph, error) {
	m.callCount.Add(1)

	if m.ExtractGraphFunc != nil {
		return m.ExtractGraphFunc(ctx, text)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g := &ai.ExtractedGraph{}
	seen := map[string]bool{}
	addEntity := func(name, description string) {
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		g.Entities = append(g.Entities, ai.ExtractedEntity{Name: name, Type: "concept", Description: description})
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if source, relation, target, ok := splitRelation(line); ok {
			addEntity(source, "")
			addEntity(target, "")
			g.Relations = append(g.Relations, ai.ExtractedRelation{Source: source, Target: target, Type: relation})
			continue
		}
		if name, description, ok := strings.Cut(line, ":"); ok && strings.TrimSpace(name) != "" {
			addEntity(strings.TrimSpace(name), strings.TrimSpace(description))
		}
	}
	return g, nil
}

func splitRelation(line string) (source, relation, target string, ok bool) {
	for _, rt := range ai.RelationTypes {
		before, after, found := strings.Cut(line, " "+rt+" ")
		if !found {
			continue
		}
		source, target = strings.TrimSpace(before), strings.TrimSpace(after)
		if source == "" || target == "" {
			return "", "", "", false
		}
		return source, rt, target, true
	}
	return "", "", "", false
}

// CallCount returns the number of times ExtractGraph was called.
func (m *MockGraphExtractor) CallCount() int {
	return int(m.callCount.Load())
}

// Reset clears the call count and custom functions.
func (m *MockGraphExtractor) Reset() {
	m.callCount.Store(0)
	m.ExtractGraphFunc = nil
}
