// ABOUTME: OpenAI Chat Completions transformer with base URL support for compatible providers.
// ABOUTME: Produces schema-constrained JSON for llm_transform nodes via the structured-output response format.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/maru-assistant/maru/pipeline"
)

const defaultModel = "gpt-5.2"

const transformSystemPrompt = `You transform structured input data into structured output.
Respond with a single JSON object matching the required schema. Fill every
required field from the input; never invent identifiers that are not present
in the input.`

// TransformerConfig configures the structured-generation collaborator.
type TransformerConfig struct {
	APIKey    string
	Model     string // empty uses the default model
	BaseURL   string // empty uses api.openai.com; set for compatible providers
	MaxTokens int64  // 0 uses a sane default
}

// Transformer implements pipeline.TransformInvoker using the Chat Completions
// API with a JSON-schema response format. Custom base URLs allow any
// OpenAI-compatible provider (OpenRouter, Cerebras, local gateways).
type Transformer struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewTransformer creates a transformer from the config.
func NewTransformer(cfg TransformerConfig) *Transformer {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Transformer{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// ExecuteTransform sends the resolved payload to the model and returns the
// decoded JSON output. The engine owns schema enforcement and retries; this
// only guarantees the response parses as JSON.
func (t *Transformer) ExecuteTransform(ctx context.Context, userID string, payload map[string]any, outputSchema map[string]any) (any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal transform input: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model:               t.model,
		MaxCompletionTokens: openai.Int(t.maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(transformSystemPrompt),
			openai.UserMessage(string(input)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "transform_output",
					Schema: outputSchema,
					Strict: openai.Bool(true),
				},
			},
		},
	}

	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	content := resp.Choices[0].Message.Content
	var out any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("transform output is not valid JSON: %w", err)
	}
	return out, nil
}

// Compile-time interface assertion.
var _ pipeline.TransformInvoker = (*Transformer)(nil)
