package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", WithBaseURL(srv.URL+"/"), WithRequestOptions(option.WithMaxRetries(0)))
}

func TestChatCompletionDecodesChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"entities\": []}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`)
	})

	resp, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "system", Content: "json only"}, {Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != `{"entities": []}` {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestChatCompletionStreamYieldsFragments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"## Revenue", "\nUp 12%"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", part)
		}
		io.WriteString(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":4,\"total_tokens\":11}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	stream, err := client.ChatCompletionStream(context.Background(), ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "Summarize Q3"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		sb.WriteString(stream.Text())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if sb.String() != "## Revenue\nUp 12%" {
		t.Errorf("unexpected text %q", sb.String())
	}
	if stream.Usage().PromptTokens != 7 || stream.Usage().CompletionTokens != 4 {
		t.Errorf("unexpected usage %+v", stream.Usage())
	}
}

func TestChatCompletionStreamOpenFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "bad model", "type": "invalid_request_error"}}`)
	})

	_, err := client.ChatCompletionStream(context.Background(), ChatCompletionRequest{Model: "nope"})
	if err == nil {
		t.Fatalf("expected error for rejected stream")
	}
}

func TestMissingAPIKey(t *testing.T) {
	client := NewClient("")
	if _, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := client.ChatCompletionStream(context.Background(), ChatCompletionRequest{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestTokenCounters(t *testing.T) {
	if got := (ApproxCounter{}).Count("", "abcdefgh"); got != 2 {
		t.Errorf("approx count = %d, want 2", got)
	}
	var tc TiktokenCounter
	if got := tc.Count("not-a-real-model", "abcdefgh"); got != 2 {
		t.Errorf("fallback count = %d, want 2", got)
	}
	if got := tc.Count("not-a-real-model", ""); got != 0 {
		t.Errorf("empty count = %d, want 0", got)
	}
}
