package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxhall/relay/pkg/errorsx"
)

// OpenAI generates advisories through an OpenAI-compatible
// chat-completions endpoint.
type OpenAI struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (a *OpenAI) Name() string { return "openai" }

func (a *OpenAI) Advise(ctx context.Context, callID, utterance string) (string, error) {
	payload := map[string]any{
		"model": a.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": utterance},
		},
		"max_tokens":  80,
		"temperature": 0.4,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSuggestionGenerate)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", errorsx.Newf(errorsx.ReasonSuggestionGenerate, "advisor request failed: %s: %s", resp.Status, string(raw))
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSuggestionGenerate)
	}
	if len(parsed.Choices) == 0 {
		return "", errorsx.New(errorsx.ReasonSuggestionGenerate, "advisor returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

var _ Advisor = (*OpenAI)(nil)
