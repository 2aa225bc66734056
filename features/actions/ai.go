package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/runtime/action"
)

const (
	// aiTimeout bounds one aiRequest invocation.
	aiTimeout = 60 * time.Second
	// defaultModel is used when the node configures none.
	defaultModel = openai.GPT4oMini
)

// AIRequest returns the aiRequest action. Configuration: prompt (required),
// model, systemPrompt, temperature, maxTokens, credentialId (data carries
// apiKey, overriding the service-wide client), outputSchema (JSON schema
// object). When outputSchema is set the model is asked for JSON and the
// reply is validated against the schema; a non-conforming reply fails the
// node so retries can recover.
func AIRequest(cfg Config) action.Func {
	newChat := cfg.NewChat
	if newChat == nil {
		newChat = func(apiKey string) ChatClient { return openai.NewClient(apiKey) }
	}
	return func(ctx context.Context, in action.Input) action.Result {
		chat := cfg.Chat
		if id := str(in.Data, "credentialId"); id != "" {
			if in.Services == nil {
				return action.Fail("credential service unavailable")
			}
			data, err := in.Services.Credential(ctx, id)
			if err != nil {
				return action.Failf("resolve credential: %v", err)
			}
			key, _ := data["apiKey"].(string)
			if key == "" {
				return action.Fail("credential is missing apiKey")
			}
			chat = newChat(key)
		}
		if chat == nil {
			return action.Fail("aiRequest is not configured: missing API key")
		}
		prompt := str(in.Data, "prompt")
		if prompt == "" {
			return action.Fail("aiRequest node requires a prompt")
		}
		model := str(in.Data, "model")
		if model == "" {
			model = defaultModel
		}

		var messages []openai.ChatCompletionMessage
		if system := str(in.Data, "systemPrompt"); system != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: system,
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		})

		req := openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
		}
		if temp, ok := in.Data["temperature"].(float64); ok {
			req.Temperature = float32(temp)
		}
		if max, ok := in.Data["maxTokens"].(float64); ok {
			req.MaxTokens = int(max)
		}
		schema, hasSchema := in.Data["outputSchema"].(map[string]any)
		if hasSchema {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}

		ctx, cancel := context.WithTimeout(ctx, aiTimeout)
		defer cancel()
		resp, err := chat.CreateChatCompletion(ctx, req)
		if err != nil {
			return action.Failf("ai request failed: %v", err)
		}
		if len(resp.Choices) == 0 {
			return action.Fail("ai request returned no choices")
		}
		content := resp.Choices[0].Message.Content

		if !hasSchema {
			return action.OK(map[string]any{
				"response": content,
				"model":    resp.Model,
			})
		}

		var structured any
		if err := json.Unmarshal([]byte(content), &structured); err != nil {
			return action.Failf("ai reply is not valid JSON: %v", err)
		}
		if err := validateAgainst(schema, structured); err != nil {
			return action.Failf("ai reply does not match output schema: %v", err)
		}
		return action.OK(map[string]any{
			"response": structured,
			"model":    resp.Model,
		})
	}
}

// validateAgainst compiles the inline schema and validates value.
func validateAgainst(schema map[string]any, value any) error {
	// Round-trip through JSON so bson-ish nesting inside node data cannot
	// leak non-JSON types into the compiler.
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return err
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return err
	}
	return compiled.Validate(value)
}
