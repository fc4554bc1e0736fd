// Package openai adapts the OpenAI Responses API to the llm.Provider
// interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/dexto-ai/dexto/llm"
)

var _ llm.Provider = &Provider{}

// Provider calls OpenAI models through the Responses API.
type Provider struct {
	client openai.Client
	model  string
}

// New builds a provider from the llm config. APIKey and BaseURL override the
// SDK's environment-derived defaults when set.
func New(cfg llm.Config) *Provider {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Model() string { return p.model }

// Generate runs one completion.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	response, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	return p.convertResponse(response), nil
}

func (p *Provider) buildParams(req llm.Request) (responses.ResponseNewParams, error) {
	if len(req.Messages) == 0 {
		return responses.ResponseNewParams{}, fmt.Errorf("openai: no messages provided")
	}

	input, err := encodeMessages(req.Messages)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}

	params := responses.ResponseNewParams{
		Model: p.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
	}
	if req.SystemPrompt != "" {
		params.Instructions = openai.String(req.SystemPrompt)
	}

	for _, tool := range req.Tools {
		schema := map[string]any{"type": "object"}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return responses.ResponseNewParams{}, fmt.Errorf("openai: tool %q schema: %w", tool.Name, err)
			}
		}
		params.Tools = append(params.Tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        tool.Name,
				Strict:      openai.Bool(false),
				Description: openai.String(tool.Description),
				Parameters:  schema,
			},
		})
	}
	return params, nil
}

// encodeMessages converts the conversation into Responses API input items.
// Tool traffic is rendered as text: the API carries call state server-side,
// so replayed results only need to be readable by the model.
func encodeMessages(msgs []llm.Message) ([]responses.ResponseInputItemUnionParam, error) {
	var items []responses.ResponseInputItemUnionParam
	for _, msg := range msgs {
		var content []responses.ResponseInputContentUnionParam
		role := msg.Role

		switch msg.Role {
		case llm.RoleUser, llm.RoleSystem:
			if msg.Content != "" {
				content = append(content, textItem(msg.Content))
			}
			if msg.Image != nil {
				if msg.Image.MimeType == "" || msg.Image.Data == "" {
					return nil, fmt.Errorf("openai: image attachment requires media type and data")
				}
				dataURL := fmt.Sprintf("data:%s;base64,%s", msg.Image.MimeType, msg.Image.Data)
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputImage: &responses.ResponseInputImageParam{
						Detail:   responses.ResponseInputImageDetailAuto,
						ImageURL: openai.String(dataURL),
					},
				})
			}

		case llm.RoleAssistant:
			if msg.Content != "" {
				content = append(content, textItem(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				content = append(content, textItem(fmt.Sprintf("Tool use: %s", call.Name)))
			}

		case llm.RoleTool:
			role = llm.RoleUser
			content = append(content, textItem(fmt.Sprintf("[tool %s result] %s", msg.ToolName, msg.Content)))

		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", msg.Role)
		}

		if len(content) == 0 {
			continue
		}
		items = append(items, responses.ResponseInputItemUnionParam{
			OfMessage: &responses.EasyInputMessageParam{
				Role: responses.EasyInputMessageRole(role),
				Content: responses.EasyInputMessageContentUnionParam{
					OfInputItemContentList: content,
				},
			},
		})
	}
	return items, nil
}

func textItem(text string) responses.ResponseInputContentUnionParam {
	return responses.ResponseInputContentUnionParam{
		OfInputText: &responses.ResponseInputTextParam{Text: text},
	}
}

func (p *Provider) convertResponse(response *responses.Response) *llm.Response {
	out := &llm.Response{
		Model:      p.model,
		TokenCount: int(response.Usage.TotalTokens),
	}
	for _, item := range response.Output {
		switch item.Type {
		case "message":
			msg := item.AsMessage()
			for _, content := range msg.Content {
				if content.Type == "output_text" {
					out.Content += content.AsOutputText().Text
				}
			}
		case "function_call":
			call := item.AsFunctionCall()
			args := map[string]any{}
			if call.Arguments != "" {
				// Unparseable arguments are passed through raw.
				if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
					args = map[string]any{"input": call.Arguments}
				}
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:        call.CallID,
				Name:      call.Name,
				Arguments: args,
			})
		}
	}
	return out
}
