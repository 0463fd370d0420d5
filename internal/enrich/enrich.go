// Package enrich turns a freshly logged bug into an AI explanation and an
// interview-style question by calling a Groq-compatible chat completions
// endpoint and parsing the two labelled sections out of the reply.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Generator produces free text for a prompt. The HTTP client below is the real
// implementation; tests substitute a stub.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Result holds the two parsed sections. A missing marker leaves its field
// empty rather than failing the enrichment.
type Result struct {
	Explanation       string
	InterviewQuestion string
}

// PromptInput carries the bug fields embedded into the prompt template.
type PromptInput struct {
	Title        string
	ErrorMessage string
	Context      string
	RootCause    string
	Solution     string
}

const promptTemplate = `Here is a software bug:

Title: %s

Error Message:
%s

Context:
%s

Root Cause:
%s

Solution:
%s

1. Explain this bug clearly in simple terms.
2. Generate one interview-style question based on this bug.

Return in this format:

Explanation:
...

Interview Question:
...
`

// BuildPrompt renders the fixed enrichment prompt for a bug.
func BuildPrompt(input PromptInput) string {
	return fmt.Sprintf(promptTemplate,
		input.Title, input.ErrorMessage, input.Context, input.RootCause, input.Solution)
}

var (
	explanationPattern = regexp.MustCompile(`(?s)Explanation:\s*(.*?)Interview Question:`)
	questionPattern    = regexp.MustCompile(`(?s)Interview Question:\s*(.*)`)
)

// ParseSections extracts the "Explanation:" and "Interview Question:" sections.
// The explanation match is anchored on the question marker, mirroring the
// response format the prompt asks for.
func ParseSections(text string) Result {
	var result Result
	if m := explanationPattern.FindStringSubmatch(text); m != nil {
		result.Explanation = strings.TrimSpace(m[1])
	}
	if m := questionPattern.FindStringSubmatch(text); m != nil {
		result.InterviewQuestion = strings.TrimSpace(m[1])
	}
	return result
}

// Client calls an OpenAI-compatible chat completions API (Groq by default).
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a senior software engineer."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call chat completions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completions returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completions returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
