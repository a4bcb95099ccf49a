package provider

import (
	"context"
	"fmt"
	"net/http"

	murmur "github.com/Paranoid-AF/murmur"
)

const anthropicVersion = "2023-06-01"

// Anthropic completes via the Anthropic messages API.
type Anthropic struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(name, baseURL, apiKey, model string, maxTokens int, temperature float64, client *http.Client) *Anthropic {
	return &Anthropic{
		name:        name,
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		client:      client,
	}
}

func (a *Anthropic) Name() string { return a.name }

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *apiError `json:"error,omitempty"`
}

// Complete sends the prompt as a single user turn and parses the reply.
func (a *Anthropic) Complete(ctx context.Context, p *Prompt) ([]murmur.Item, error) {
	reqBody := messagesRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      p.System,
		Messages:    []chatMessage{{Role: "user", Content: p.User}},
		Temperature: a.temperature,
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var result messagesResponse
	if err := postJSON(ctx, a.client, a.baseURL+"/v1/messages", headers, reqBody, &result); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("API error: %s", result.Error.Message)
	}
	for _, c := range result.Content {
		if c.Type == "text" {
			return ParseItems(c.Text, p.Input, p.MaxItems), nil
		}
	}
	return nil, fmt.Errorf("no text content in response")
}
