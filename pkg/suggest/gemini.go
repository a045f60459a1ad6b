package suggest

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/voxhall/relay/pkg/errorsx"
)

// Gemini generates advisories through the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Advise(ctx context.Context, callID, utterance string) (string, error) {
	prompt := systemPrompt + "\n\nCustomer: " + utterance
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSuggestionGenerate)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errorsx.New(errorsx.ReasonSuggestionGenerate, "advisor returned empty text")
	}
	return text, nil
}

var _ Advisor = (*Gemini)(nil)
