// Package sampling provides helpers for answering MCP sampling/createMessage
// requests on the client side.
//
// Servers ask the client to run a model on their behalf. The wire type lives
// in package mcp (CreateMessageRequest). This package offers:
//   - Convenience constructors for single-block user / assistant messages
//   - Functional options for system prompt, temperature, max tokens, stop sequences
//   - Validation of inbound requests before they reach a model
//   - Anthropic, a sampling handler backed by the Anthropic Messages API
//
// Example:
//
//	client := anthropic.NewClient()
//	sampler := sampling.NewAnthropic(&client.Messages,
//	    sampling.WithDefaultModel(anthropic.ModelClaudeSonnet4_5),
//	)
//	h, err := mcpclient.Create(ctx, launch, mcpclient.WithSamplingHandler(sampler))
//
// Model preference hints whose name looks like an Anthropic model id are
// honoured; otherwise the default model is used.
package sampling
