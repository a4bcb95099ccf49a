package provider

import (
	"context"
	"fmt"
	"net/http"

	murmur "github.com/Paranoid-AF/murmur"
)

// Ollama completes via a local Ollama server.
type Ollama struct {
	name        string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// NewOllama creates a provider for a local Ollama server.
func NewOllama(name, baseURL, model string, maxTokens int, temperature float64, client *http.Client) *Ollama {
	return &Ollama{
		name:        name,
		baseURL:     baseURL,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		client:      client,
	}
}

func (o *Ollama) Name() string { return o.name }

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete runs a single non-streaming generation.
func (o *Ollama) Complete(ctx context.Context, p *Prompt) ([]murmur.Item, error) {
	reqBody := generateRequest{
		Model:  o.model,
		System: p.System,
		Prompt: p.User,
		Options: generateOptions{
			Temperature: o.temperature,
			NumPredict:  o.maxTokens,
		},
	}

	var result generateResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/generate", nil, reqBody, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("API error: %s", result.Error)
	}
	return ParseItems(result.Response, p.Input, p.MaxItems), nil
}
