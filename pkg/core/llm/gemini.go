package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"google.golang.org/genai"
)

// GeminiGateway implements Gateway for Google's Gemini models.
// Web search is provided by Google Search grounding; grounding chunks become
// a search-result block.
type GeminiGateway struct {
	Model  string // e.g. "gemini-2.5-flash"
	APIKey string // falls back to GEMINI_API_KEY

	once    sync.Once
	client  *genai.Client
	initErr error
}

// Ensure interface compliance
var _ Gateway = (*GeminiGateway)(nil)

func (g *GeminiGateway) init(ctx context.Context) error {
	g.once.Do(func() {
		apiKey := g.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			g.initErr = fmt.Errorf("GEMINI_API_KEY environment variable not set")
			return
		}
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if g.initErr != nil {
			g.initErr = fmt.Errorf("failed to create GenAI client: %w", g.initErr)
		}
	})
	return g.initErr
}

// Complete sends a generateContent request with the full message history.
func (g *GeminiGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := g.init(ctx); err != nil {
		return nil, err
	}

	model := g.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.2)),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Search != nil {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range MergeConsecutive(req.Messages) {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	result, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}

	resp := &Response{Model: model}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(result.Candidates) == 0 {
		return resp, nil
	}

	cand := result.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought || part.Text == "" {
				continue
			}
			resp.Blocks = append(resp.Blocks, Block{Type: BlockText, Text: part.Text})
		}
	}

	if gm := cand.GroundingMetadata; gm != nil && len(gm.GroundingChunks) > 0 {
		var urls []string
		for _, chunk := range gm.GroundingChunks {
			if chunk != nil && chunk.Web != nil && chunk.Web.URI != "" {
				urls = append(urls, chunk.Web.URI)
			}
		}
		if len(urls) > 0 {
			resp.Blocks = append(resp.Blocks, Block{Type: BlockSearchResult, URLs: urls})
		}
	}

	return resp, nil
}
