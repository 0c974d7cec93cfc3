package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/xuan1250/transfer2read/internal/prompts"
)

// GeminiProvider implements Provider over one Gemini model. The primary
// and fallback providers are two instances of this type with different
// model names (pro-class vs. flash-class).
type GeminiProvider struct {
	name   string
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a provider bound to a specific model.
func NewGeminiProvider(ctx context.Context, name, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiProvider{name: name, client: client, model: model}, nil
}

// Name returns the provider identifier used for attribution.
func (p *GeminiProvider) Name() string {
	return p.name
}

// Close releases the underlying client.
func (p *GeminiProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// AnalyzePage sends the page text and rendered image to the model and
// decodes the structured element analysis.
func (p *GeminiProvider) AnalyzePage(ctx context.Context, req PageRequest) (*PageResult, error) {
	model := p.client.GenerativeModel(p.model)
	model.SetTemperature(0.1) // low temperature for consistent output
	model.ResponseMIMEType = "application/json"

	parts := []genai.Part{genai.Text(prompts.MustGet("analysis.json", "detect_elements"))}
	if len(req.ImageJPEG) > 0 {
		parts = append(parts, genai.ImageData("jpeg", req.ImageJPEG))
	}
	if strings.TrimSpace(req.Text) != "" {
		parts = append(parts, genai.Text("Page text:\n\"\"\"\n"+req.Text+"\n\"\"\""))
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classify(p.name, err)
	}

	text, err := extractText(resp)
	if err != nil {
		return nil, classify(p.name, err)
	}

	var result PageResult
	if err := json.Unmarshal([]byte(CleanJSONBlock(text)), &result); err != nil {
		return nil, classify(p.name, fmt.Errorf("malformed analysis response: %w", err))
	}
	return &result, nil
}

// CompleteJSON runs a text prompt with JSON output enforced.
func (p *GeminiProvider) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	model := p.client.GenerativeModel(p.model)
	model.SetTemperature(0.1)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classify(p.name, err)
	}

	text, err := extractText(resp)
	if err != nil {
		return "", classify(p.name, err)
	}
	return CleanJSONBlock(text), nil
}

// extractText pulls the concatenated text parts out of a Gemini response.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}
