package llm

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// Message represents a chat message sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the payload sent to the chat API.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
}

// Choice captures a single completion alternative.
type Choice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
	Index        int    `json:"index"`
}

// Usage reports token consumption for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatCompletionResponse is the subset of the API response we care about.
type ChatCompletionResponse struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// ChatClient captures the ability to perform chat completions.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error)
}

// Stream yields text fragments of a streaming completion. Next blocks until
// a fragment arrives or the stream ends; Err reports why it ended.
type Stream interface {
	Next() bool
	Text() string
	Usage() Usage
	Err() error
	Close() error
}

// StreamClient opens streaming chat completions.
type StreamClient interface {
	ChatCompletionStream(ctx context.Context, req ChatCompletionRequest) (Stream, error)
}

// Client is a thin wrapper around an OpenAI-compatible chat API.
type Client struct {
	apiKey  string
	baseURL string
	opts    []option.RequestOption
	api     openai.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(apiKey string, opts ...func(*Client)) *Client {
	c := &Client{apiKey: apiKey}
	for _, opt := range opts {
		opt(c)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if c.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.baseURL))
	}
	reqOpts = append(reqOpts, c.opts...)
	c.api = openai.NewClient(reqOpts...)
	return c
}

// WithHTTPClient overrides the internal HTTP client.
func WithHTTPClient(hc *http.Client) func(*Client) {
	return func(c *Client) {
		c.opts = append(c.opts, option.WithHTTPClient(hc))
	}
}

// WithBaseURL overrides the default API base URL (useful for tests and gateways).
func WithBaseURL(url string) func(*Client) {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithRequestOptions appends raw SDK options such as retry limits.
func WithRequestOptions(opts ...option.RequestOption) func(*Client) {
	return func(c *Client) {
		c.opts = append(c.opts, opts...)
	}
}

// ChatCompletion executes a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("llm: missing API key")
	}

	resp, err := c.api.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}

	out := &ChatCompletionResponse{
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, ch := range resp.Choices {
		choice := Choice{FinishReason: string(ch.FinishReason), Index: int(ch.Index)}
		choice.Message.Role = string(ch.Message.Role)
		choice.Message.Content = ch.Message.Content
		out.Choices = append(out.Choices, choice)
	}
	return out, nil
}

// ChatCompletionStream opens a streaming chat completion. Usage is requested
// from the provider and becomes available once the stream is drained.
func (c *Client) ChatCompletionStream(ctx context.Context, req ChatCompletionRequest) (Stream, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("llm: missing API key")
	}

	params := buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := c.api.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("llm: open stream: %w", err)
	}
	return &chunkStream{stream: stream}, nil
}

func buildParams(req ChatCompletionRequest) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	return params
}

type chunkStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	text   string
	usage  Usage
}

func (s *chunkStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			s.usage = Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			s.text = text
			return true
		}
	}
	return false
}

func (s *chunkStream) Text() string { return s.text }

func (s *chunkStream) Usage() Usage { return s.usage }

func (s *chunkStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("llm: stream: %w", err)
	}
	return nil
}

func (s *chunkStream) Close() error { return s.stream.Close() }
