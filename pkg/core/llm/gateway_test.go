package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestResponseHelpers(t *testing.T) {
	resp := &Response{
		Blocks: []Block{
			{Type: BlockText, Text: "Revenue grew "},
			{Type: BlockSearchResult, URLs: []string{"https://a.example", "https://b.example"}},
			{Type: BlockText, Text: "12% in FY24."},
			{Type: BlockSearchResult, URLs: []string{"https://c.example"}},
		},
	}

	if got := resp.Text(); got != "Revenue grew 12% in FY24." {
		t.Errorf("Text() = %q", got)
	}
	want := []string{"https://a.example", "https://b.example", "https://c.example"}
	if got := resp.Sources(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sources() = %v, want %v", got, want)
	}
	if got := resp.SearchCount(); got != 2 {
		t.Errorf("SearchCount() = %d, want 2", got)
	}

	var nilResp *Response
	if nilResp.Text() != "" || nilResp.Sources() != nil || nilResp.SearchCount() != 0 {
		t.Error("nil response helpers should return zero values")
	}
}

func TestMergeConsecutive(t *testing.T) {
	in := []Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
		{Role: RoleUser, Content: "d"},
	}
	got := MergeConsecutive(in)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "a\n\nb" {
		t.Errorf("merged content = %q", got[0].Content)
	}
	if in[0].Content != "a" {
		t.Error("input slice must not be modified")
	}
}

func TestAnthropicGateway_Complete(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing version header")
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "Looking into it. "},
				{"type": "server_tool_use", "id": "x"},
				{"type": "web_search_tool_result", "content": [
					{"type": "web_search_result", "url": "https://news.example/1", "title": "One"},
					{"type": "web_search_result", "url": "https://news.example/2", "title": "Two"}
				]},
				{"type": "web_search_tool_result", "content": {"type": "web_search_tool_result_error", "error_code": "max_uses_exceeded"}},
				{"type": "text", "text": "Guidance was raised."}
			],
			"usage": {"input_tokens": 1200, "output_tokens": 300}
		}`))
	}))
	defer server.Close()

	gw := &AnthropicGateway{APIKey: "test-key", BaseURL: server.URL, Model: "claude-test"}
	resp, err := gw.Complete(context.Background(), Request{
		Step:         "research_1",
		SystemPrompt: "sys",
		Messages:     []Message{{Role: RoleUser, Content: "What changed?"}},
		Search:       &SearchTool{MaxUses: 2},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if captured.System != "sys" || len(captured.Tools) != 1 || captured.Tools[0].MaxUses != 2 {
		t.Errorf("unexpected request body: %+v", captured)
	}
	if captured.Tools[0].Type != "web_search_20250305" {
		t.Errorf("tool type = %s", captured.Tools[0].Type)
	}
	if resp.Text() != "Looking into it. Guidance was raised." {
		t.Errorf("Text() = %q", resp.Text())
	}
	if resp.SearchCount() != 2 {
		t.Errorf("SearchCount() = %d, want 2", resp.SearchCount())
	}
	if len(resp.Sources()) != 2 {
		t.Errorf("Sources() = %v", resp.Sources())
	}
	if resp.Usage.InputTokens != 1200 || resp.Usage.OutputTokens != 300 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicGateway_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	gw := &AnthropicGateway{APIKey: "k", BaseURL: server.URL}
	_, err := gw.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil || !strings.Contains(err.Error(), "status=429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestChatCompletionsGateway_Citations(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer or-key" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{
			"model": "perplexity/sonar",
			"choices": [{"message": {"content": "Margins expanded."}}],
			"citations": ["https://ir.example/q3"],
			"usage": {"prompt_tokens": 50, "completion_tokens": 20}
		}`))
	}))
	defer server.Close()

	gw := NewOpenRouterGateway("")
	gw.APIKey = "or-key"
	gw.BaseURL = server.URL

	resp, err := gw.Complete(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "q1"},
			{Role: RoleAssistant, Content: "a1"},
			{Role: RoleUser, Content: "q2"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(captured.Messages) != 4 || captured.Messages[0].Role != "system" {
		t.Errorf("expected system + 3 turns, got %+v", captured.Messages)
	}
	if resp.Text() != "Margins expanded." {
		t.Errorf("Text() = %q", resp.Text())
	}
	if resp.SearchCount() != 1 || resp.Sources()[0] != "https://ir.example/q3" {
		t.Errorf("citations not surfaced: %+v", resp.Blocks)
	}
	if resp.Usage.InputTokens != 50 || resp.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionsGateway_MissingKey(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "")
	gw := NewDeepSeekGateway("")
	_, err := gw.Complete(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "DEEPSEEK_API_KEY_MISSING") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestQwenGateway_EnableSearch(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{
			"output": {
				"choices": [{"message": {"content": "Backlog at record high."}}],
				"search_info": {"search_results": [{"url": "https://x.example", "title": "X"}]}
			},
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	gw := &QwenGateway{APIKey: "q", BaseURL: server.URL}
	resp, err := gw.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "backlog?"}},
		Search:   &SearchTool{MaxUses: 1},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	params, _ := captured["parameters"].(map[string]interface{})
	if params["enable_search"] != true {
		t.Errorf("enable_search not set: %v", params)
	}
	if resp.Text() != "Backlog at record high." || resp.SearchCount() != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.InputTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestQwenGateway_APIErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": "InvalidApiKey", "message": "bad key"}`))
	}))
	defer server.Close()

	gw := &QwenGateway{APIKey: "q", BaseURL: server.URL}
	_, err := gw.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err == nil || !strings.Contains(err.Error(), "InvalidApiKey") {
		t.Fatalf("expected api error, got %v", err)
	}
}
