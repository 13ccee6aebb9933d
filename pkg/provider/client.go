package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const maxErrorBodyBytes = 1 << 20

// Target is one resolved upstream endpoint.
type Target struct {
	URL    string
	APIKey string
	// Header carries extra provider specific headers.
	Header http.Header
}

// HTTPError is returned when the upstream answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

type Client struct {
	client *http.Client
}

// NewClient returns a client with the given timeout (0 disables it) and transport
// (nil uses http.DefaultTransport).
func NewClient(timeout time.Duration, transport http.RoundTripper) *Client {
	if timeout < 0 {
		timeout = 0
	}
	return &Client{
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Post sends payload as JSON to the target. On a 2xx status the caller owns the returned
// response body. Any other status is drained and reported as *HTTPError.
func (c *Client) Post(ctx context.Context, target Target, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode upstream payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vals := range target.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(target.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: b}
	}
	return resp, nil
}

// NewChatRequest builds an OpenAI-compatible chat completion payload. jsonObject asks the
// model for a JSON object response; it is only honored for non-streaming requests.
func NewChatRequest(model string, messages []openai.ChatCompletionMessage, stream bool, jsonObject bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    strings.TrimSpace(model),
		Messages: messages,
		Stream:   stream,
	}
	if jsonObject && !stream {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

func SystemMessage(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: content}
}

func UserMessage(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content}
}
