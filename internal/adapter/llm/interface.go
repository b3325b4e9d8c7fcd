// Package llm provides an abstraction for OpenAI-compatible chat completion APIs.
package llm

import "context"

// ChatClient defines the chat completion operation persona generation needs.
type ChatClient interface {
	// CreateChatCompletion sends a non-streaming chat completion request.
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

// Ensure Client implements ChatClient interface.
var _ ChatClient = (*Client)(nil)
