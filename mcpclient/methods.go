package mcpclient

import (
	"context"
	"fmt"
	"iter"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/google/uuid"
)

var (
	resourcesPage = pageOf(func(r *mcp.ListResourcesResult) ([]mcp.Resource, string) {
		return r.Resources, r.NextCursor
	})
	resourceTemplatesPage = pageOf(func(r *mcp.ListResourceTemplatesResult) ([]mcp.ResourceTemplate, string) {
		return r.ResourceTemplates, r.NextCursor
	})
	promptsPage = pageOf(func(r *mcp.ListPromptsResult) ([]mcp.Prompt, string) {
		return r.Prompts, r.NextCursor
	})
	toolsPage = pageOf(func(r *mcp.ListToolsResult) ([]mcp.Tool, string) {
		return r.Tools, r.NextCursor
	})
)

// ResourcesPages iterates resources/list page by page.
func (h *Handler) ResourcesPages(ctx context.Context) iter.Seq2[[]mcp.Resource, error] {
	return Paginate(ctx, h, mcp.ResourcesListMethod, &mcp.ListResourcesRequest{}, resourcesPage)
}

// ListResources returns every resource across all pages.
func (h *Handler) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return Collect(h.ResourcesPages(ctx))
}

// ResourceTemplatesPages iterates resources/templates/list page by page.
func (h *Handler) ResourceTemplatesPages(ctx context.Context) iter.Seq2[[]mcp.ResourceTemplate, error] {
	return Paginate(ctx, h, mcp.ResourcesTemplatesListMethod, &mcp.ListResourceTemplatesRequest{}, resourceTemplatesPage)
}

// ListResourceTemplates returns every resource template across all pages.
func (h *Handler) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return Collect(h.ResourceTemplatesPages(ctx))
}

// ReadResource reads the contents of uri.
func (h *Handler) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := h.SendRequest(ctx, mcp.ResourcesReadMethod, &mcp.ReadResourceRequest{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Subscribe asks for notifications/resources/updated when uri changes.
func (h *Handler) Subscribe(ctx context.Context, uri string) error {
	return h.SendRequest(ctx, mcp.ResourcesSubscribeMethod, &mcp.SubscribeRequest{URI: uri}, nil)
}

// Unsubscribe ends a subscription made with Subscribe.
func (h *Handler) Unsubscribe(ctx context.Context, uri string) error {
	return h.SendRequest(ctx, mcp.ResourcesUnsubscribeMethod, &mcp.UnsubscribeRequest{URI: uri}, nil)
}

// PromptsPages iterates prompts/list page by page.
func (h *Handler) PromptsPages(ctx context.Context) iter.Seq2[[]mcp.Prompt, error] {
	return Paginate(ctx, h, mcp.PromptsListMethod, &mcp.ListPromptsRequest{}, promptsPage)
}

// ListPrompts returns every prompt across all pages.
func (h *Handler) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return Collect(h.PromptsPages(ctx))
}

// GetPrompt renders the named prompt with args.
func (h *Handler) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	var res mcp.GetPromptResult
	if err := h.SendRequest(ctx, mcp.PromptsGetMethod, &mcp.GetPromptRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ToolsPages iterates tools/list page by page.
func (h *Handler) ToolsPages(ctx context.Context) iter.Seq2[[]mcp.Tool, error] {
	return Paginate(ctx, h, mcp.ToolsListMethod, &mcp.ListToolsRequest{}, toolsPage)
}

// ListTools returns every tool across all pages.
func (h *Handler) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return Collect(h.ToolsPages(ctx))
}

// CallOption configures a single CallTool.
type CallOption func(*callOptions)

type callOptions struct {
	progress func(*mcp.ProgressNotificationParams)
}

// WithProgress requests progress updates for the call and delivers them to
// fn until the call returns.
func WithProgress(fn func(*mcp.ProgressNotificationParams)) CallOption {
	return func(o *callOptions) { o.progress = fn }
}

// CallTool invokes the named tool. A tool that ran but failed is reported
// through CallToolResult.IsError, not as an error.
func (h *Handler) CallTool(ctx context.Context, name string, args map[string]any, opts ...CallOption) (*mcp.CallToolResult, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	req := &mcp.CallToolRequest{Name: name, Arguments: args}
	if o.progress != nil {
		token := uuid.NewString()
		req.Meta = &mcp.RequestMeta{ProgressToken: token}
		h.mu.Lock()
		h.progress[token] = o.progress
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.progress, token)
			h.mu.Unlock()
		}()
	}
	var res mcp.CallToolResult
	if err := h.SendRequest(ctx, mcp.ToolsCallMethod, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetLevel sets the minimum severity of notifications/message the server
// sends.
func (h *Handler) SetLevel(ctx context.Context, level mcp.LoggingLevel) error {
	if !mcp.IsValidLoggingLevel(level) {
		return fmt.Errorf("mcpclient: invalid logging level %q", level)
	}
	return h.SendRequest(ctx, mcp.LoggingSetLevelMethod, &mcp.SetLevelRequest{Level: level}, nil)
}

// Complete asks for completions of arg within ref.
func (h *Handler) Complete(ctx context.Context, ref mcp.Reference, arg mcp.CompleteArgument) (*mcp.CompleteResult, error) {
	var res mcp.CompleteResult
	if err := h.SendRequest(ctx, mcp.CompletionCompleteMethod, &mcp.CompleteRequest{Ref: ref, Argument: arg}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks that the server is responsive.
func (h *Handler) Ping(ctx context.Context) error {
	return h.SendRequest(ctx, mcp.PingMethod, &mcp.PingRequest{}, nil)
}
