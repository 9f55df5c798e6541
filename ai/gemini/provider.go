// Package gemini implements ai.Provider on Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/poiesic/neurosim/ai"
	"google.golang.org/api/option"
)

// maxBatchSize is the largest batch BatchEmbedContents accepts.
const maxBatchSize = 100

var errEmptyResponse = errors.New("gemini returned no content")

// Provider implements ai.Provider using a shared genai client.
type Provider struct {
	client    *genai.Client
	config    *ai.Config
	embedder  *Embedder
	generator *Generator
	logger    *slog.Logger
}

// NewProvider creates a Gemini-backed provider.
//
// Returns ai.Provider interface to enforce abstraction.
func NewProvider(ctx context.Context, config *ai.Config) (ai.Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Backend != ai.BackendGemini {
		return nil, fmt.Errorf("gemini provider: backend is %q", config.Backend)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, err
	}

	model := client.GenerativeModel(config.GenerationModel)
	model.SetTemperature(float32(config.Temperature))

	return &Provider{
		client: client,
		config: config,
		embedder: &Embedder{
			model:  client.EmbeddingModel(config.EmbeddingModel),
			logger: slog.Default().With("component", "gemini-embedder"),
		},
		generator: &Generator{
			model:  model,
			logger: slog.Default().With("component", "gemini-generator"),
		},
		logger: slog.Default().With("component", "gemini-provider"),
	}, nil
}

// Embedder returns the text embedding service.
func (p *Provider) Embedder() ai.Embedder {
	return p.embedder
}

// Generator returns the text generation service.
func (p *Provider) Generator() ai.Generator {
	return p.generator
}

// Name returns the generation model identifier.
func (p *Provider) Name() string {
	return p.config.GenerationModel
}

// Close closes the underlying client.
func (p *Provider) Close() error {
	p.logger.Debug("closing Gemini provider")
	return p.client.Close()
}

// Embedder implements ai.Embedder with a Gemini embedding model.
type Embedder struct {
	model  *genai.EmbeddingModel
	logger *slog.Logger
}

// EmbedText generates a vector embedding for a single text string.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	res, err := e.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		e.logger.Error("failed to generate embedding", "err", err)
		return nil, err
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, errEmptyResponse
	}
	return res.Embedding.Values, nil
}

// EmbedTexts embeds texts in batches of at most maxBatchSize.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.logger.Debug("generating embeddings for texts", "count", len(texts))

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(texts))
		batch := e.model.NewBatch()
		for _, text := range texts[start:end] {
			batch.AddContent(genai.Text(text))
		}
		res, err := e.model.BatchEmbedContents(ctx, batch)
		if err != nil {
			e.logger.Error("failed to generate embeddings", "count", end-start, "err", err)
			return nil, err
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(res.Embeddings), end-start)
		}
		for _, emb := range res.Embeddings {
			out = append(out, emb.Values)
		}
	}
	return out, nil
}

// Generator implements ai.Generator with a Gemini generative model.
type Generator struct {
	model  *genai.GenerativeModel
	logger *slog.Logger
}

// Generate returns the text of the first candidate.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		g.logger.Error("failed to generate completion", "err", err)
		return "", err
	}
	return candidateText(resp)
}

// candidateText concatenates the text parts of the first candidate.
func candidateText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errEmptyResponse
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errEmptyResponse
	}
	return text, nil
}
