package model

import (
	"context"
	"errors"
	"net"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// openaiInvoker speaks the OpenAI chat completions API. Any endpoint
// compatible with that API works via BaseURL.
type openaiInvoker struct {
	client openai.Client
	model  string
}

func newOpenAIInvoker(cfg Config) *openaiInvoker {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openaiInvoker{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (o *openaiInvoker) Invoke(ctx context.Context, inv *Invocation) (*Completion, error) {
	modelName := inv.Model
	if modelName == "" {
		modelName = o.model
	}

	req := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelName),
		Messages: buildMessages(inv),
	}
	if len(inv.Tools) > 0 {
		req.Tools = buildTools(inv.Tools)
	}

	resp, err := o.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return nil, invocationError(modelName, isTransient(err), err)
	}
	if len(resp.Choices) == 0 {
		return nil, invocationError(modelName, false,
			errors.New("completion returned no choices"))
	}

	msg := resp.Choices[0].Message
	completion := &Completion{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, schema.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return completion, nil
}

func buildMessages(inv *Invocation) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(inv.History)+1)
	if inv.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(inv.SystemPrompt),
				},
			},
		})
	}
	for _, m := range inv.History {
		switch m.Role {
		case schema.RoleSystem:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		case schema.RoleUser:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		case schema.RoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls,
					openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: assistant,
			})
		case schema.RoleTool:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
					ToolCallID: m.ToolCallID,
				},
			})
		}
	}
	return messages
}

func buildTools(tools []ToolSchema) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		param := openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:       t.Name,
				Parameters: shared.FunctionParameters(t.Parameters),
			},
		}
		if t.Description != "" {
			param.Function.Description = openai.String(t.Description)
		}
		result = append(result, param)
	}
	return result
}

// isTransient reports whether a provider error is worth retrying:
// rate limits, server-side failures, and network-level errors qualify.
func isTransient(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
