package extract

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Content is the single user-supplied part of a model call: free text or an
// inline binary document, never both.
type Content struct {
	Text     string
	Data     []byte
	MIMEType string
}

// Reply carries the parts of a model response the orchestrator classifies on.
type Reply struct {
	Text        string
	Candidates  int
	BlockReason string
}

// Model abstracts the generative call. This interface enables mocking and
// testing of the extraction flow.
type Model interface {
	GenerateContent(ctx context.Context, instruction string, content Content) (Reply, error)
}

// GeminiModel is the concrete Model implementation backed by the Gemini API.
type GeminiModel struct {
	apiKey string
	model  string
}

// NewGeminiModel creates a Gemini-backed model client. The API key comes
// from the secrets table, not the environment.
func NewGeminiModel(apiKey, model string) *GeminiModel {
	return &GeminiModel{apiKey: apiKey, model: model}
}

// GenerateContent sends the instruction plus content to Gemini and returns
// the raw reply.
func (g *GeminiModel) GenerateContent(ctx context.Context, instruction string, content Content) (Reply, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      g.apiKey,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return Reply{}, fmt.Errorf("GenerateContent: create genai client: %w", err)
	}

	parts := []*genai.Part{{Text: instruction}}
	if content.Text != "" {
		parts = append(parts, &genai.Part{Text: content.Text})
	} else {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: content.MIMEType,
				Data:     content.Data,
			},
		})
	}

	contents := []*genai.Content{{Role: "user", Parts: parts}}

	resp, err := client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return Reply{}, fmt.Errorf("GenerateContent: generate content: %w", err)
	}

	reply := Reply{
		Text:       resp.Text(),
		Candidates: len(resp.Candidates),
	}
	if resp.PromptFeedback != nil {
		reply.BlockReason = string(resp.PromptFeedback.BlockReason)
	}

	return reply, nil
}
