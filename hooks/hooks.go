// Package hooks declares the client-side extension points of an MCP
// connection: handlers for the requests a server may send to the client and
// an observer for server notifications.
//
// Every hook is optional. A connection created without a SamplingHandler does
// not advertise the sampling capability and answers sampling/createMessage
// with "method not found"; the same holds for elicitation.
package hooks

import (
	"context"

	"github.com/ggoodman/mcp-client-go/mcp"
)

// SamplingHandler answers sampling/createMessage requests by running a model
// on the server's behalf.
type SamplingHandler interface {
	CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
}

// SamplingFunc adapts a function to SamplingHandler.
type SamplingFunc func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)

func (f SamplingFunc) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	return f(ctx, req)
}

// ElicitationHandler answers elicitation/create requests by collecting
// structured input from the user. Content returned with an accept action is
// validated against the requested schema before it is sent back.
type ElicitationHandler interface {
	Elicit(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error)
}

// ElicitationFunc adapts a function to ElicitationHandler.
type ElicitationFunc func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error)

func (f ElicitationFunc) Elicit(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
	return f(ctx, req)
}

// Observer receives server notifications. Methods are called synchronously
// from the connection's reader in arrival order and must not block.
type Observer interface {
	Progress(ctx context.Context, p *mcp.ProgressNotificationParams)
	LogMessage(ctx context.Context, msg *mcp.LoggingMessageNotification)
	ResourcesListChanged(ctx context.Context)
	ResourceUpdated(ctx context.Context, uri string)
	ToolsListChanged(ctx context.Context)
	PromptsListChanged(ctx context.Context)
}

// Funcs is an Observer built from optional functions. Nil fields ignore the
// corresponding event.
type Funcs struct {
	OnProgress             func(ctx context.Context, p *mcp.ProgressNotificationParams)
	OnLogMessage           func(ctx context.Context, msg *mcp.LoggingMessageNotification)
	OnResourcesListChanged func(ctx context.Context)
	OnResourceUpdated      func(ctx context.Context, uri string)
	OnToolsListChanged     func(ctx context.Context)
	OnPromptsListChanged   func(ctx context.Context)
}

var _ Observer = Funcs{}

func (f Funcs) Progress(ctx context.Context, p *mcp.ProgressNotificationParams) {
	if f.OnProgress != nil {
		f.OnProgress(ctx, p)
	}
}

func (f Funcs) LogMessage(ctx context.Context, msg *mcp.LoggingMessageNotification) {
	if f.OnLogMessage != nil {
		f.OnLogMessage(ctx, msg)
	}
}

func (f Funcs) ResourcesListChanged(ctx context.Context) {
	if f.OnResourcesListChanged != nil {
		f.OnResourcesListChanged(ctx)
	}
}

func (f Funcs) ResourceUpdated(ctx context.Context, uri string) {
	if f.OnResourceUpdated != nil {
		f.OnResourceUpdated(ctx, uri)
	}
}

func (f Funcs) ToolsListChanged(ctx context.Context) {
	if f.OnToolsListChanged != nil {
		f.OnToolsListChanged(ctx)
	}
}

func (f Funcs) PromptsListChanged(ctx context.Context) {
	if f.OnPromptsListChanged != nil {
		f.OnPromptsListChanged(ctx)
	}
}
