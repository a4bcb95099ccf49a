package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	murmur "github.com/Paranoid-AF/murmur"
)

// Codestral fills in the middle of the buffer via Mistral's FIM endpoint.
// It yields at most one suggestion per call.
type Codestral struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// NewCodestral creates a fill-in-middle provider.
func NewCodestral(name, baseURL, apiKey, model string, maxTokens int, temperature float64, client *http.Client) *Codestral {
	return &Codestral{
		name:        name,
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		client:      client,
	}
}

func (c *Codestral) Name() string { return c.name }

type fimRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Suffix      string   `json:"suffix,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// Complete asks for the text between Prefix and Suffix and splices it into the input.
func (c *Codestral) Complete(ctx context.Context, p *Prompt) ([]murmur.Item, error) {
	reqBody := fimRequest{
		Model:       c.model,
		Prompt:      p.Prefix,
		Suffix:      p.Suffix,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stop:        []string{"\n"},
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var result chatResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/v1/fim/completions", headers, reqBody, &result); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	middle, _, _ := strings.Cut(result.Choices[0].Message.Content, "\n")
	if strings.TrimSpace(middle) == "" {
		return []murmur.Item{}, nil
	}
	before, after := splitAtCursor(p.Input, p.CursorPos)
	return []murmur.Item{{Text: before + middle + after, Description: "fill-in-middle"}}, nil
}

func splitAtCursor(input string, pos int) (string, string) {
	pos = max(0, min(pos, len(input)))
	return input[:pos], input[pos:]
}
