package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

const anthropicVersion = "2023-06-01"

// AnthropicGateway calls the Anthropic Messages API. Search uses the
// server-side web_search tool; each web_search_tool_result block is surfaced
// as a search-result block.
type AnthropicGateway struct {
	Model      string
	APIKey     string // falls back to ANTHROPIC_API_KEY
	BaseURL    string // defaults to https://api.anthropic.com
	HTTPClient *http.Client
}

var _ Gateway = (*AnthropicGateway)(nil)

type anthropicTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

type anthropicRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	Tools     []anthropicTool `json:"tools,omitempty"`
}

type anthropicBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type anthropicSearchResult struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type anthropicResponse struct {
	Model   string           `json:"model"`
	Content []anthropicBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	apiKey := p.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY_MISSING: Please set ANTHROPIC_API_KEY env var")
	}

	model := p.Model
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	body := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages:  MergeConsecutive(req.Messages),
	}
	if req.Search != nil {
		body.Tools = []anthropicTool{{
			Type:    "web_search_20250305",
			Name:    "web_search",
			MaxUses: req.Search.MaxUses,
		}}
	}

	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ANTHROPIC_MARSHAL_ERROR: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("ANTHROPIC_REQ_CREATE_ERROR: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ANTHROPIC_API_CALL_ERROR: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("ANTHROPIC_READ_BODY_ERROR: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ANTHROPIC_API_ERROR: status=%d body=%s", res.StatusCode, string(raw))
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("ANTHROPIC_UNMARSHAL_ERROR: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("ANTHROPIC_API_ERROR: %s: %s", decoded.Error.Type, decoded.Error.Message)
	}

	resp := &Response{
		Model: decoded.Model,
		Usage: Usage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
		},
	}
	for _, block := range decoded.Content {
		switch block.Type {
		case "text":
			resp.Blocks = append(resp.Blocks, Block{Type: BlockText, Text: block.Text})
		case "web_search_tool_result":
			// content is an array of results, or an error object when the search failed
			var results []anthropicSearchResult
			var urls []string
			if err := json.Unmarshal(block.Content, &results); err == nil {
				for _, r := range results {
					if r.Type == "web_search_result" && r.URL != "" {
						urls = append(urls, r.URL)
					}
				}
			}
			resp.Blocks = append(resp.Blocks, Block{Type: BlockSearchResult, URLs: urls})
		}
	}

	return resp, nil
}
