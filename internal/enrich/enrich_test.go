package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseSections(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		explanation string
		question    string
	}{
		{
			name:        "both sections present",
			text:        "Explanation:\nfoo\n\nInterview Question:\nbar",
			explanation: "foo",
			question:    "bar",
		},
		{
			name:        "preamble before markers",
			text:        "Sure, here you go.\n\nExplanation:\nThe pointer was nil.\n\nInterview Question:\nWhat is a nil pointer?",
			explanation: "The pointer was nil.",
			question:    "What is a nil pointer?",
		},
		{
			name:        "missing question marker",
			text:        "Explanation:\nonly an explanation here",
			explanation: "",
			question:    "",
		},
		{
			name:        "missing explanation marker",
			text:        "Interview Question:\nhow would you debug this?",
			explanation: "",
			question:    "how would you debug this?",
		},
		{
			name:        "empty response",
			text:        "",
			explanation: "",
			question:    "",
		},
		{
			name:        "multiline sections",
			text:        "Explanation:\nline one\nline two\n\nInterview Question:\nq line one\nq line two",
			explanation: "line one\nline two",
			question:    "q line one\nq line two",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseSections(tc.text)
			if result.Explanation != tc.explanation {
				t.Fatalf("explanation: expected %q, got %q", tc.explanation, result.Explanation)
			}
			if result.InterviewQuestion != tc.question {
				t.Fatalf("question: expected %q, got %q", tc.question, result.InterviewQuestion)
			}
		})
	}
}

func TestBuildPromptEmbedsFields(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Title:        "Nil deref",
		ErrorMessage: "panic: nil pointer",
		Context:      "during shutdown",
		RootCause:    "missing guard",
		Solution:     "check before use",
	})

	for _, want := range []string{
		"Title: Nil deref",
		"Error Message:\npanic: nil pointer",
		"Context:\nduring shutdown",
		"Root Cause:\nmissing guard",
		"Solution:\ncheck before use",
		"Explanation:",
		"Interview Question:",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["model"] != "test-model" {
			t.Fatalf("unexpected model %v", body["model"])
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "Explanation:\nfoo\n\nInterview Question:\nbar"}},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "test-model")
	text, err := client.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	result := ParseSections(text)
	if result.Explanation != "foo" || result.InterviewQuestion != "bar" {
		t.Fatalf("unexpected parse result: %+v", result)
	}
}

func TestClientGenerateUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "test-model")
	if _, err := client.Generate(context.Background(), "prompt"); err == nil {
		t.Fatal("expected error on upstream 500")
	}
}
