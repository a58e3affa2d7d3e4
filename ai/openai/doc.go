// Package openai talks to OpenAI-compatible endpoints (OpenAI, Ollama, vLLM)
// through langchaingo.
//
// The Provider embeds fragment and entity text and asks a chat model to
// extract entities and typed relations from a fragment:
//
//	provider, err := openai.NewProvider(ai.NewConfig(
//	    ai.WithHost("http://localhost:11434/v1"),
//	    ai.WithEmbeddingModel("embeddinggemma"),
//	    ai.WithExtractorModel("qwen2.5:7b"),
//	))
//	if err != nil {
//	    return err
//	}
//	defer provider.Close()
//
//	g, err := provider.GraphExtractor().ExtractGraph(ctx,
//	    "A medical certificate overrides the attendance rule.")
//
// Extractor replies are often wrapped in markdown fences or cut short, so they
// are repaired before decoding. Relation labels are passed through as written;
// the upserter rejects the ones that are not edge types.
package openai
