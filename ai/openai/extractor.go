// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package openai

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/poiesic/codex/ai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// maxParseAttempts bounds re-generation when the model returns malformed JSON.
const maxParseAttempts = 3

// GraphExtractor implements ai.GraphExtractor using OpenAI-compatible chat APIs.
type GraphExtractor struct {
	client      llms.Model
	maxEntities int
	logger      *slog.Logger
}

// entity and relation mirror the JSON the model is asked to produce.
type entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type relation struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Weight      *float64 `json:"weight"`
}

type extraction struct {
	Entities  []entity   `json:"entities"`
	Relations []relation `json:"relations"`
}

// newGraphExtractor is an internal constructor that returns the concrete type.
func newGraphExtractor(config *ai.Config) (*GraphExtractor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.ExtractorHost),
		openai.WithToken(config.APIToken),
		openai.WithModel(config.ExtractorModel),
	)
	if err != nil {
		return nil, err
	}

	return &GraphExtractor{
		client:      client,
		maxEntities: config.MaxEntities,
		logger:      slog.Default().With("component", "openai-extractor"),
	}, nil
}

// NewGraphExtractor creates a new graph extractor using the provided configuration.
//
// Returns ai.GraphExtractor interface to enforce abstraction.
func NewGraphExtractor(config *ai.Config) (ai.GraphExtractor, error) {
	return newGraphExtractor(config)
}

// ExtractGraph extracts entities and relations from text using an LLM.
func (e *GraphExtractor) ExtractGraph(ctx context.Context, text string) (*ai.ExtractedGraph, error) {
	text = scrubString(text)
	if text == "" {
		return &ai.ExtractedGraph{}, nil
	}

	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(buildSystemPrompt())},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(text)},
		},
	}

	var (
		graph   *ai.ExtractedGraph
		lastErr error
	)
	for attempt := range maxParseAttempts {
		response, err := e.client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			e.logger.Error("failed to generate content", "attempt", attempt+1, "err", err)
			return nil, err
		}

		if len(response.Choices) < 1 {
			e.logger.Debug("no choices returned from model")
			return &ai.ExtractedGraph{}, nil
		}

		graph, lastErr = parseGraphResponse(response.Choices[0].Content, e.maxEntities)
		if lastErr == nil {
			break
		}
		e.logger.Warn("error parsing extractor response",
			"attempt", attempt+1,
			"response", response.Choices[0].Content,
			"err", lastErr)
	}

	if lastErr != nil {
		e.logger.Error("failed to parse extractor response after retries", "err", lastErr)
		return nil, lastErr
	}

	e.logger.Debug("extracted graph",
		"entities", len(graph.Entities),
		"relations", len(graph.Relations))
	return graph, nil
}

// parseGraphResponse decodes a model response, keeping at most maxEntities
// entities with non-blank names. Relations are passed through untouched apart
// from trimming; resolving them is the upserter's job.
func parseGraphResponse(raw string, maxEntities int) (*ai.ExtractedGraph, error) {
	var result extraction
	if err := json.Unmarshal([]byte(repairJSON(stripCodeFence(raw))), &result); err != nil {
		return nil, err
	}

	graph := &ai.ExtractedGraph{
		Entities:  make([]ai.ExtractedEntity, 0, len(result.Entities)),
		Relations: make([]ai.ExtractedRelation, 0, len(result.Relations)),
	}
	for _, ent := range result.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		if maxEntities > 0 && len(graph.Entities) >= maxEntities {
			break
		}
		graph.Entities = append(graph.Entities, ai.ExtractedEntity{
			Name:        name,
			Type:        strings.ReplaceAll(strings.TrimSpace(ent.Type), " ", "_"),
			Description: strings.TrimSpace(ent.Description),
		})
	}
	for _, rel := range result.Relations {
		graph.Relations = append(graph.Relations, ai.ExtractedRelation{
			Source:      strings.TrimSpace(rel.Source),
			Target:      strings.TrimSpace(rel.Target),
			Type:        strings.TrimSpace(rel.Type),
			Description: strings.TrimSpace(rel.Description),
			Weight:      rel.Weight,
		})
	}
	return graph, nil
}
