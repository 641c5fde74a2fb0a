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

// ChatCompletionsGateway speaks the OpenAI-compatible chat completions
// protocol. It serves DeepSeek by default and OpenRouter (including Sonar
// models that return top-level citations) when BaseURL points there.
type ChatCompletionsGateway struct {
	Name       string // label used in error codes, e.g. "DEEPSEEK"
	Model      string
	APIKey     string
	APIKeyEnv  string // env var consulted when APIKey is empty
	BaseURL    string // full endpoint URL
	HTTPClient *http.Client
}

var _ Gateway = (*ChatCompletionsGateway)(nil)

// NewDeepSeekGateway returns a gateway for api.deepseek.com.
func NewDeepSeekGateway(model string) *ChatCompletionsGateway {
	if model == "" {
		model = "deepseek-chat"
	}
	return &ChatCompletionsGateway{
		Name:      "DEEPSEEK",
		Model:     model,
		APIKeyEnv: "DEEPSEEK_API_KEY",
		BaseURL:   "https://api.deepseek.com/chat/completions",
	}
}

// NewOpenRouterGateway returns a gateway for openrouter.ai.
func NewOpenRouterGateway(model string) *ChatCompletionsGateway {
	if model == "" {
		model = "perplexity/sonar"
	}
	return &ChatCompletionsGateway{
		Name:      "OPENROUTER",
		Model:     model,
		APIKeyEnv: "OPENROUTER_API_KEY",
		BaseURL:   "https://openrouter.ai/api/v1/chat/completions",
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Usage     struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *ChatCompletionsGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	name := p.Name
	if name == "" {
		name = "CHAT"
	}

	apiKey := p.APIKey
	if apiKey == "" && p.APIKeyEnv != "" {
		apiKey = os.Getenv(p.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s_API_KEY_MISSING: Please set %s env var", name, p.APIKeyEnv)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range MergeConsecutive(req.Messages) {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	jsonBytes, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("%s_MARSHAL_ERROR: %w", name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("%s_REQ_CREATE_ERROR: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s_API_CALL_ERROR: %w", name, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s_READ_BODY_ERROR: %w", name, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s_API_ERROR: status=%d body=%s", name, res.StatusCode, string(body))
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%s_UNMARSHAL_ERROR: %w", name, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s_NO_CHOICES: %s", name, string(body))
	}

	model := decoded.Model
	if model == "" {
		model = p.Model
	}
	resp := &Response{
		Model: model,
		Blocks: []Block{{
			Type: BlockText,
			Text: decoded.Choices[0].Message.Content,
		}},
		Usage: Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}
	if len(decoded.Citations) > 0 {
		resp.Blocks = append(resp.Blocks, Block{Type: BlockSearchResult, URLs: decoded.Citations})
	}
	return resp, nil
}
