package provider

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	murmur "github.com/Paranoid-AF/murmur"
)

// Gemini completes via the Gemini API.
type Gemini struct {
	name        string
	model       string
	maxTokens   int
	temperature float32
	client      *genai.Client
}

// NewGemini creates a Gemini provider. baseURL may be empty for the public endpoint.
func NewGemini(ctx context.Context, name, baseURL, apiKey, model string, maxTokens int, temperature float64, httpClient *http.Client) (*Gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{
		name:        name,
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
		client:      client,
	}, nil
}

func (g *Gemini) Name() string { return g.name }

// Complete sends the prompt with the system text as the system instruction.
func (g *Gemini) Complete(ctx context.Context, p *Prompt) ([]murmur.Item, error) {
	temperature := g.temperature
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		Temperature:       &temperature,
		MaxOutputTokens:   int32(g.maxTokens),
	}
	contents := []*genai.Content{genai.NewContentFromText(p.User, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("no text content in response")
	}
	return ParseItems(text, p.Input, p.MaxItems), nil
}
