package sampling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ggoodman/mcp-client-go/mcp"
)

// DefaultMaxTokens is used when the server does not bound the response.
const DefaultMaxTokens = 1024

// MessageCreator is the subset of anthropic.MessageService used by Anthropic.
type MessageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic answers sampling requests with the Anthropic Messages API.
type Anthropic struct {
	messages     MessageCreator
	defaultModel anthropic.Model
	maxTokens    int64
}

// AnthropicOption configures an Anthropic sampler.
type AnthropicOption func(*Anthropic)

// WithDefaultModel sets the model used when the request carries no usable hint.
func WithDefaultModel(m anthropic.Model) AnthropicOption {
	return func(a *Anthropic) { a.defaultModel = m }
}

// WithMaxTokensCap bounds the max tokens of every request, including ones
// where the server asked for more.
func WithMaxTokensCap(n int64) AnthropicOption {
	return func(a *Anthropic) { a.maxTokens = n }
}

// NewAnthropic creates a sampler over the given message service. Pass
// &client.Messages for a real anthropic.Client.
func NewAnthropic(messages MessageCreator, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		messages:     messages,
		defaultModel: anthropic.ModelClaudeSonnet4_5,
		maxTokens:    DefaultMaxTokens,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// CreateMessage implements hooks.SamplingHandler.
func (a *Anthropic) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	if err := ValidateCreateMessage(req); err != nil {
		return nil, err
	}
	params, err := a.params(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create message: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &mcp.CreateMessageResult{
		Role:       mcp.RoleAssistant,
		Content:    TextBlock(text.String()),
		Model:      string(msg.Model),
		StopReason: stopReason(msg.StopReason),
	}, nil
}

func (a *Anthropic) params(req *mcp.CreateMessageRequest) (anthropic.MessageNewParams, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 || maxTokens > a.maxTokens {
		maxTokens = a.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     a.model(req.ModelPreferences),
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	for i, m := range req.Messages {
		block, err := contentBlock(m.Content)
		if err != nil {
			return params, fmt.Errorf("message %d: %w", i, err)
		}
		switch m.Role {
		case mcp.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	return params, nil
}

func (a *Anthropic) model(prefs *mcp.ModelPreferences) anthropic.Model {
	if prefs != nil {
		for _, h := range prefs.Hints {
			if strings.HasPrefix(h.Name, "claude") {
				return anthropic.Model(h.Name)
			}
		}
	}
	return a.defaultModel
}

func contentBlock(c mcp.ContentBlock) (anthropic.ContentBlockParamUnion, error) {
	switch c.Type {
	case mcp.ContentTypeText:
		return anthropic.NewTextBlock(c.Text), nil
	case mcp.ContentTypeImage:
		return anthropic.NewImageBlockBase64(c.MimeType, c.Data), nil
	default:
		return anthropic.ContentBlockParamUnion{}, errors.New("unsupported content type " + c.Type)
	}
}

func stopReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonEndTurn:
		return "endTurn"
	case anthropic.StopReasonMaxTokens:
		return "maxTokens"
	case anthropic.StopReasonStopSequence:
		return "stopSequence"
	default:
		return string(r)
	}
}
