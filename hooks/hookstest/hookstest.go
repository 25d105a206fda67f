// Package hookstest provides a recording implementation of the hooks
// interfaces for tests.
package hookstest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/hooks"
	"github.com/ggoodman/mcp-client-go/mcp"
)

// EventKind names an observed notification.
type EventKind string

const (
	EventProgress             EventKind = "progress"
	EventLogMessage           EventKind = "log_message"
	EventResourcesListChanged EventKind = "resources_list_changed"
	EventResourceUpdated      EventKind = "resource_updated"
	EventToolsListChanged     EventKind = "tools_list_changed"
	EventPromptsListChanged   EventKind = "prompts_list_changed"
	EventCreateMessage        EventKind = "create_message"
	EventElicit               EventKind = "elicit"
)

// Event is one recorded hook invocation. Only the field matching Kind is set.
type Event struct {
	Kind          EventKind
	Progress      *mcp.ProgressNotificationParams
	LogMessage    *mcp.LoggingMessageNotification
	URI           string
	CreateMessage *mcp.CreateMessageRequest
	Elicit        *mcp.ElicitRequest
}

// ErrNotConfigured is returned by Recorder handlers that have no response
// configured.
var ErrNotConfigured = errors.New("hookstest: no response configured")

var (
	_ hooks.Observer           = (*Recorder)(nil)
	_ hooks.SamplingHandler    = (*Recorder)(nil)
	_ hooks.ElicitationHandler = (*Recorder)(nil)
)

// Recorder records every hook invocation. It answers sampling and elicitation
// requests with the configured functions.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	changed chan struct{}

	sample func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
	elicit func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSampling answers sampling requests with fn.
func WithSampling(fn func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)) Option {
	return func(r *Recorder) { r.sample = fn }
}

// WithSamplingText answers every sampling request with an assistant text
// block produced by model.
func WithSamplingText(model, text string) Option {
	return WithSampling(func(context.Context, *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		return &mcp.CreateMessageResult{
			Role:       mcp.RoleAssistant,
			Content:    mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text},
			Model:      model,
			StopReason: "endTurn",
		}, nil
	})
}

// WithElicitation answers elicitation requests with fn.
func WithElicitation(fn func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error)) Option {
	return func(r *Recorder) { r.elicit = fn }
}

// WithElicitationContent accepts every elicitation with content.
func WithElicitationContent(content map[string]any) Option {
	return WithElicitation(func(context.Context, *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		return &mcp.ElicitResult{Action: mcp.ElicitActionAccept, Content: content}, nil
	})
}

// NewRecorder returns an empty Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{changed: make(chan struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of recorded events of kind.
func (r *Recorder) Count(kind EventKind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n events of kind are recorded and returns
// the nth. The test fails after timeout.
func (r *Recorder) WaitFor(t testing.TB, kind EventKind, n int, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		seen := 0
		for _, e := range r.events {
			if e.Kind == kind {
				seen++
				if seen == n {
					r.mu.Unlock()
					return e
				}
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s event(s), saw %d", n, kind, seen)
			return Event{}
		}
	}
}

func (r *Recorder) Progress(_ context.Context, p *mcp.ProgressNotificationParams) {
	r.record(Event{Kind: EventProgress, Progress: p})
}

func (r *Recorder) LogMessage(_ context.Context, msg *mcp.LoggingMessageNotification) {
	r.record(Event{Kind: EventLogMessage, LogMessage: msg})
}

func (r *Recorder) ResourcesListChanged(context.Context) {
	r.record(Event{Kind: EventResourcesListChanged})
}

func (r *Recorder) ResourceUpdated(_ context.Context, uri string) {
	r.record(Event{Kind: EventResourceUpdated, URI: uri})
}

func (r *Recorder) ToolsListChanged(context.Context) {
	r.record(Event{Kind: EventToolsListChanged})
}

func (r *Recorder) PromptsListChanged(context.Context) {
	r.record(Event{Kind: EventPromptsListChanged})
}

func (r *Recorder) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	r.record(Event{Kind: EventCreateMessage, CreateMessage: req})
	if r.sample == nil {
		return nil, ErrNotConfigured
	}
	return r.sample(ctx, req)
}

func (r *Recorder) Elicit(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
	r.record(Event{Kind: EventElicit, Elicit: req})
	if r.elicit == nil {
		return nil, ErrNotConfigured
	}
	return r.elicit(ctx, req)
}
