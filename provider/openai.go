package provider

import (
	"context"
	"fmt"
	"net/http"

	murmur "github.com/Paranoid-AF/murmur"
)

// OpenAI completes via an OpenAI-compatible API, either the responses
// endpoint or chat completions.
type OpenAI struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	apiType     string // "responses" or "chat_completions"
	maxTokens   int
	temperature float64
	client      *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(name, baseURL, apiKey, model, apiType string, maxTokens int, temperature float64, client *http.Client) *OpenAI {
	return &OpenAI{
		name:        name,
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		apiType:     apiType,
		maxTokens:   maxTokens,
		temperature: temperature,
		client:      client,
	}
}

func (o *OpenAI) Name() string { return o.name }

// Complete sends the prompt and parses the reply into suggestions.
func (o *OpenAI) Complete(ctx context.Context, p *Prompt) ([]murmur.Item, error) {
	var (
		text string
		err  error
	)
	if o.apiType == "chat_completions" {
		text, err = o.chatCompletions(ctx, p)
	} else {
		text, err = o.responses(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	return ParseItems(text, p.Input, p.MaxItems), nil
}

func (o *OpenAI) headers() map[string]string {
	if o.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

// --- Responses API ---

type responsesRequest struct {
	Model       string           `json:"model"`
	Input       []responsesInput `json:"input"`
	MaxTokens   int              `json:"max_output_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesResponse struct {
	Output []responsesOutput `json:"output"`
	Error  *apiError         `json:"error,omitempty"`
}

type responsesOutput struct {
	Type    string             `json:"type"`
	Content []responsesContent `json:"content,omitempty"`
}

type responsesContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (o *OpenAI) responses(ctx context.Context, p *Prompt) (string, error) {
	reqBody := responsesRequest{
		Model: o.model,
		Input: []responsesInput{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}

	var result responsesResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/responses", o.headers(), reqBody, &result); err != nil {
		return "", err
	}
	if result.Error != nil {
		return "", fmt.Errorf("API error: %s", result.Error.Message)
	}

	for _, out := range result.Output {
		if out.Type != "message" {
			continue
		}
		for _, c := range out.Content {
			if c.Type == "output_text" {
				return c.Text, nil
			}
		}
	}
	return "", fmt.Errorf("no text content in response")
}

// --- Chat Completions API ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

func (o *OpenAI) chatCompletions(ctx context.Context, p *Prompt) (string, error) {
	reqBody := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}

	var result chatResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/chat/completions", o.headers(), reqBody, &result); err != nil {
		return "", err
	}
	if result.Error != nil {
		return "", fmt.Errorf("API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
