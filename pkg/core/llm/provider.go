package llm

import (
	"context"
	"strings"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SearchTool enables the provider's web search capability for a request.
type SearchTool struct {
	MaxUses int `json:"max_uses"`
}

// Request is a single model call. Messages are sent in order; the last one is
// normally the user turn being answered.
type Request struct {
	Step         string      `json:"step"` // e.g. "analysis", "research_1"
	SystemPrompt string      `json:"system_prompt"`
	Messages     []Message   `json:"messages"`
	Search       *SearchTool `json:"search,omitempty"`
	MaxTokens    int         `json:"max_tokens,omitempty"`
}

// BlockType discriminates response content blocks.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockSearchResult BlockType = "search_result"
)

// Block is one content block of a model response. Text blocks carry Text,
// search-result blocks carry the URLs the search returned.
type Block struct {
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`
	URLs []string  `json:"urls,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the raw gateway response; text and search results may be interleaved.
type Response struct {
	Model  string  `json:"model"`
	Blocks []Block `json:"blocks"`
	Usage  Usage   `json:"usage"`
}

// Gateway is the interface for all language-model transports.
type Gateway interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req Request) (*Response, error)

func (f GatewayFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Text concatenates all text blocks in order.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Sources collects the URLs of all search-result blocks in order.
func (r *Response) Sources() []string {
	if r == nil {
		return nil
	}
	var urls []string
	for _, b := range r.Blocks {
		if b.Type == BlockSearchResult {
			urls = append(urls, b.URLs...)
		}
	}
	return urls
}

// SearchCount returns the number of search-result blocks.
func (r *Response) SearchCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, b := range r.Blocks {
		if b.Type == BlockSearchResult {
			n++
		}
	}
	return n
}

// MergeConsecutive joins adjacent messages with the same role. Some providers
// reject two user turns in a row, which happens after a failed call.
func MergeConsecutive(messages []Message) []Message {
	merged := make([]Message, 0, len(messages))
	for _, m := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == m.Role {
			merged[n-1].Content += "\n\n" + m.Content
			continue
		}
		merged = append(merged, m)
	}
	return merged
}
