package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ozoz66/control-research-copilot/internal/config"
)

// Message is one turn of an OpenAI-compatible chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client speaks the OpenAI-compatible chat completion protocol.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	referer    string
	title      string
}

// NewClient builds a chat client from LLM configuration.
func NewClient(cfg config.LLM) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		referer:    cfg.Referer,
		title:      cfg.Title,
	}
}

// Complete sends a chat request and returns the first choice's content.
// Failures are classified: rate limits, upstream outages, and network errors
// are transient; authentication and request errors are permanent.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.apiKey == "" {
		return "", Wrap(ErrPermanent, "", "llm request", fmt.Errorf("api key not configured"))
	}

	url := c.baseURL + "/chat/completions"
	if !strings.Contains(c.baseURL, "/v1") {
		url = c.baseURL + "/v1/chat/completions"
	}

	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.7,
	})
	if err != nil {
		return "", Wrap(ErrPermanent, "", "llm request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", Wrap(ErrPermanent, "", "llm request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Wrap(ErrTransient, "", "llm request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", Wrap(ErrTransient, "", "llm response", err)
	}

	if resp.StatusCode != http.StatusOK {
		marker := ErrPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			marker = ErrTransient
		}
		return "", Wrap(marker, "", "llm response",
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 512)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", Wrap(ErrTransient, "", "llm response", err)
	}
	if parsed.Error != nil {
		return "", Wrap(ErrTransient, "", "llm response", fmt.Errorf("%s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", Wrap(ErrTransient, "", "llm response", fmt.Errorf("no choices returned"))
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// LLMPort runs stage invocations against the chat client. The worker is
// prompted with the stage role, the session topic, dependency artifacts, and
// any reviewer feedback, and must answer with a JSON artifact.
type LLMPort struct {
	client *Client
}

// NewLLMPort builds a Port over an OpenAI-compatible backend.
func NewLLMPort(cfg config.LLM) *LLMPort {
	return &LLMPort{client: NewClient(cfg)}
}

// Invoke implements Port.
func (p *LLMPort) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	content, err := p.client.Complete(ctx, buildMessages(req))
	if err != nil {
		return nil, err
	}

	artifact, ok := extractJSONObject(content)
	if !ok {
		return nil, Wrap(ErrTransient, req.StageID, "parse artifact",
			fmt.Errorf("no JSON object in worker output"))
	}
	if !json.Valid([]byte(artifact)) {
		return nil, Wrap(ErrTransient, req.StageID, "parse artifact",
			fmt.Errorf("malformed JSON in worker output"))
	}
	return &Outcome{Artifact: json.RawMessage(artifact)}, nil
}

func buildMessages(req Request) []Message {
	var system strings.Builder
	fmt.Fprintf(&system, "You are the %s for an autonomous control-theory research pipeline.\n", req.Role)
	fmt.Fprintf(&system, "Produce the %s stage output for the research topic.\n", req.StageID)
	system.WriteString("Respond with a single JSON object and no surrounding prose.")

	var user strings.Builder
	fmt.Fprintf(&user, "Research topic: %s\n", req.Topic)
	inputIDs := make([]string, 0, len(req.Inputs))
	for stageID := range req.Inputs {
		inputIDs = append(inputIDs, stageID)
	}
	sort.Strings(inputIDs)
	for _, stageID := range inputIDs {
		fmt.Fprintf(&user, "\nOutput of the %s stage:\n%s\n", stageID, req.Inputs[stageID])
	}
	if req.Feedback != "" {
		fmt.Fprintf(&user, "\nReviewer feedback on your previous attempt (revision %d):\n%s\n",
			req.Revision, req.Feedback)
	}

	return []Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: user.String()},
	}
}
