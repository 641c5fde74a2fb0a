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

const dashScopeURL = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"

// QwenGateway calls the native DashScope generation API. Search requests set
// enable_search and report search_info results as one search-result block.
type QwenGateway struct {
	Model      string
	APIKey     string // falls back to DASHSCOPE_API_KEY, then QWEN_API_KEY
	BaseURL    string
	HTTPClient *http.Client
}

var _ Gateway = (*QwenGateway)(nil)

func (p *QwenGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	apiKey := p.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("DASHSCOPE_API_KEY")
	}
	if apiKey == "" {
		apiKey = os.Getenv("QWEN_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("QWEN_API_KEY_MISSING: Please set DASHSCOPE_API_KEY or QWEN_API_KEY")
	}

	model := p.Model
	if model == "" {
		model = "qwen-max"
	}
	url := p.BaseURL
	if url == "" {
		url = dashScopeURL
	}

	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	for _, m := range MergeConsecutive(req.Messages) {
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}

	params := map[string]interface{}{
		"result_format": "message",
	}
	if req.MaxTokens > 0 {
		params["max_tokens"] = req.MaxTokens
	}
	if req.Search != nil {
		params["enable_search"] = true
		params["search_options"] = map[string]interface{}{"enable_source": true}
	}

	jsonBody, err := json.Marshal(map[string]interface{}{
		"model":      model,
		"input":      map[string]interface{}{"messages": messages},
		"parameters": params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal qwen request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("qwen api call failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("qwen api returned status %d: %s", res.StatusCode, string(bodyBytes))
	}

	var result struct {
		Output struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			// some endpoints return text directly in output
			Text       string `json:"text"`
			SearchInfo *struct {
				SearchResults []struct {
					URL   string `json:"url"`
					Title string `json:"title"`
				} `json:"search_results"`
			} `json:"search_info"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode qwen response: %w", err)
	}
	if result.Code != "" {
		return nil, fmt.Errorf("qwen api error: %s - %s", result.Code, result.Message)
	}

	text := result.Output.Text
	if len(result.Output.Choices) > 0 {
		text = result.Output.Choices[0].Message.Content
	}
	if text == "" {
		return nil, fmt.Errorf("empty response from qwen api")
	}

	resp := &Response{
		Model:  model,
		Blocks: []Block{{Type: BlockText, Text: text}},
		Usage: Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		},
	}
	if si := result.Output.SearchInfo; si != nil && len(si.SearchResults) > 0 {
		urls := make([]string, 0, len(si.SearchResults))
		for _, r := range si.SearchResults {
			if r.URL != "" {
				urls = append(urls, r.URL)
			}
		}
		resp.Blocks = append(resp.Blocks, Block{Type: BlockSearchResult, URLs: urls})
	}
	return resp, nil
}
