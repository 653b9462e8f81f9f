// ABOUTME: Tests for the structured-output transformer against a fake Chat Completions endpoint.
// ABOUTME: Validates request translation, schema attachment, JSON decoding, and error paths.
package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func completionResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":    "chatcmpl-123",
		"model": "gpt-5.2",
		"choices": []any{
			map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     12,
			"completion_tokens": 7,
			"total_tokens":      19,
		},
	})
	return string(body)
}

func TestExecuteTransformDecodesStructuredOutput(t *testing.T) {
	var receivedBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading body: %v", err)
			return
		}
		if err := json.Unmarshal(body, &receivedBody); err != nil {
			t.Errorf("unmarshalling body: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionResponse(`{"summary":"three meetings","priority":"high"}`)))
	}))
	defer server.Close()

	tr := NewTransformer(TransformerConfig{APIKey: "sk-test", BaseURL: server.URL})
	schema := map[string]any{
		"type":     "object",
		"required": []any{"summary", "priority"},
	}

	out, err := tr.ExecuteTransform(context.Background(), "u1", map[string]any{"events": []any{"standup"}}, schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected a mapping, got %T", out)
	}
	if m["summary"] != "three meetings" || m["priority"] != "high" {
		t.Errorf("unexpected output: %v", m)
	}

	if receivedBody["model"] != "gpt-5.2" {
		t.Errorf("expected default model, got %v", receivedBody["model"])
	}
	rf, _ := receivedBody["response_format"].(map[string]any)
	if rf == nil || rf["type"] != "json_schema" {
		t.Fatalf("expected json_schema response format, got %v", receivedBody["response_format"])
	}
	js, _ := rf["json_schema"].(map[string]any)
	if js == nil || js["name"] != "transform_output" {
		t.Errorf("expected named schema, got %v", rf["json_schema"])
	}

	messages, _ := receivedBody["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(messages))
	}
	user, _ := messages[1].(map[string]any)
	if content, _ := user["content"].(string); content == "" || content[0] != '{' {
		t.Errorf("expected the payload serialized as JSON in the user turn, got %v", user["content"])
	}
}

func TestExecuteTransformCustomModel(t *testing.T) {
	var receivedBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &receivedBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionResponse(`{}`)))
	}))
	defer server.Close()

	tr := NewTransformer(TransformerConfig{APIKey: "sk-test", Model: "small-local", BaseURL: server.URL})
	if _, err := tr.ExecuteTransform(context.Background(), "u1", nil, map[string]any{"type": "object"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedBody["model"] != "small-local" {
		t.Errorf("expected configured model, got %v", receivedBody["model"])
	}
}

func TestExecuteTransformRejectsNonJSONOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionResponse("Sure! Here is your plan.")))
	}))
	defer server.Close()

	tr := NewTransformer(TransformerConfig{APIKey: "sk-test", BaseURL: server.URL})
	if _, err := tr.ExecuteTransform(context.Background(), "u1", nil, map[string]any{"type": "object"}); err == nil {
		t.Fatal("expected an error for prose output")
	}
}

func TestExecuteTransformServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer server.Close()

	tr := NewTransformer(TransformerConfig{APIKey: "sk-test", BaseURL: server.URL})
	if _, err := tr.ExecuteTransform(context.Background(), "u1", nil, map[string]any{"type": "object"}); err == nil {
		t.Fatal("expected an error from the failing endpoint")
	}
}
