package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tasklab/foreman/pkg/errdef"
)

// Request is one completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the model's completion.
type Response struct {
	Text string
}

// Client produces completions. The decomposition engine is the only
// consumer; it treats the model as an untrusted planner whose output is
// validated before use.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient talks to an OpenAI-compatible chat completion endpoint.
type HTTPClient struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient creates a client for the given endpoint and model.
func NewHTTPClient(endpoint, model, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends the request and returns the first choice.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body := chatRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	data, err := json.Marshal(body)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, err, "encoding completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, errdef.Wrap(errdef.KindTransport, err, "building completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errdef.Wrap(errdef.KindCancelled, err, "completion cancelled")
		}
		return nil, errdef.Wrap(errdef.KindTransport, err, "calling completion endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errdef.New(errdef.KindRateLimited, "completion endpoint rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errdef.New(errdef.KindTransport, "completion endpoint returned %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errdef.Wrap(errdef.KindTransport, err, "reading completion response")
	}
	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, errdef.Wrap(errdef.KindTransport, err, "decoding completion response")
	}
	if len(parsed.Choices) == 0 {
		return nil, errdef.New(errdef.KindTransport, "completion response has no choices")
	}
	return &Response{Text: parsed.Choices[0].Message.Content}, nil
}

// ScriptedClient replays canned completions in order. Test double.
type ScriptedClient struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
}

// NewScriptedClient creates a client that returns the given replies in
// sequence. A nil error slot means success.
func NewScriptedClient(replies []string, errs []error) *ScriptedClient {
	return &ScriptedClient{replies: replies, errs: errs}
}

// Complete returns the next scripted reply.
func (s *ScriptedClient) Complete(_ context.Context, _ Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.replies) {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", len(s.replies))
	}
	return &Response{Text: s.replies[i]}, nil
}

// Calls returns how many completions were requested.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
