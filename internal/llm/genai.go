// Package llm adapts Google's Gemini API to the classifier's LanguageModel
// and the gateway's Embedder.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/yeager620/savant-ai-sub000/internal/config"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// models is the part of genai.Models this package calls.
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GenAI talks to Gemini for intent suggestions and query embeddings.
type GenAI struct {
	models     models
	model      string
	embedModel string
	timeout    time.Duration
}

// ErrDisabled is returned by New when the configuration does not enable
// the model.
var ErrDisabled = errors.New("language model disabled")

// New builds a client from cfg.
func New(ctx context.Context, cfg config.LLMConfig) (*GenAI, error) {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil, ErrDisabled
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGenAI(client.Models, cfg), nil
}

func newGenAI(m models, cfg config.LLMConfig) *GenAI {
	return &GenAI{models: m, model: cfg.Model, embedModel: cfg.EmbedModel, timeout: cfg.Timeout}
}

func (g *GenAI) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Suggest asks the model to classify query. The answer must be a single
// JSON object; anything else is an error.
func (g *GenAI) Suggest(ctx context.Context, query string, ents extract.Entities) (*intent.Suggestion, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(suggestPrompt(query, ents)), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	})
	if err != nil {
		return nil, fmt.Errorf("genai classify: %w", err)
	}
	return parseSuggestion(resp.Text())
}

// Embed returns the embedding of text.
func (g *GenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	res, err := g.models.EmbedContent(ctx, g.embedModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
		return nil, errors.New("genai embed: no embeddings returned")
	}
	return res.Embeddings[0].Values, nil
}

func suggestPrompt(query string, ents extract.Entities) string {
	names := make([]string, len(intent.Known))
	for i, in := range intent.Known {
		names[i] = string(in)
	}
	entJSON, _ := json.Marshal(ents)

	var b strings.Builder
	b.WriteString("Classify a question about recorded conversations.\n")
	b.WriteString("Reply with one JSON object and nothing else:\n")
	b.WriteString(`{"intent": <one of ` + strings.Join(names, ", ") + `>, "confidence": <number between 0 and 1>, "parameters": {<string keys and values>}}` + "\n")
	b.WriteString("Extracted entities: ")
	b.Write(entJSON)
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func parseSuggestion(text string) (*intent.Suggestion, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("genai classify: empty response")
	}
	var sug intent.Suggestion
	if err := json.Unmarshal([]byte(text), &sug); err != nil {
		return nil, fmt.Errorf("genai classify: decode response: %w", err)
	}
	return &sug, nil
}
