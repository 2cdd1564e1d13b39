package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want error
	}{
		{"", ErrMissingAPIKey},
		{"   ", ErrMissingAPIKey},
		{"pk-12345678901234567890", ErrInvalidAPIKey},
		{"sk-short", ErrInvalidAPIKey},
		{"sk-abcdefghijklmnopqrstuvwxyz", nil},
	}

	for _, tt := range tests {
		if err := ValidateAPIKey(tt.key); !errors.Is(err, tt.want) {
			t.Errorf("ValidateAPIKey(%q): expected %v, got %v", tt.key, tt.want, err)
		}
	}
}

func TestNewChatClient_MissingKey(t *testing.T) {
	if _, err := NewChatClient(Options{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("Expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewChatClient_UsesBaseURL(t *testing.T) {
	var gotAuth string
	var gotReq openai.ChatCompletionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Expected path /v1/chat/completions, got %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Ahoj"},
			}},
		})
	}))
	defer srv.Close()

	client, err := NewChatClient(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    DefaultModel,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ahoj"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Expected bearer auth, got '%s'", gotAuth)
	}
	if gotReq.Model != DefaultModel {
		t.Errorf("Expected model %s, got %s", DefaultModel, gotReq.Model)
	}
	if resp.Choices[0].Message.Content != "Ahoj" {
		t.Errorf("Expected 'Ahoj', got '%s'", resp.Choices[0].Message.Content)
	}
}
