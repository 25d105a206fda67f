package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"

	"github.com/ggoodman/mcp-client-go/mcp"
)

// Extractor pulls the items and the next cursor out of one raw page.
type Extractor[T any] func(page json.RawMessage) (items []T, nextCursor string, err error)

// Paginate returns a lazy sequence of item batches for a paginated method.
// Every page request carries params with "cursor" set to the previous page's
// nextCursor; iteration ends when the server omits nextCursor, when the
// consumer stops ranging, or with an error. Each range over the sequence
// starts again from the first page.
func Paginate[T any](ctx context.Context, h *Handler, method mcp.Method, params any, extract Extractor[T]) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		base, err := paramsObject(params)
		if err != nil {
			yield(nil, err)
			return
		}
		cursor := ""
		for {
			if ctx.Err() != nil {
				yield(nil, &CancelledError{Method: string(method), Cause: context.Cause(ctx)})
				return
			}
			p := maps.Clone(base)
			if cursor != "" {
				c, _ := json.Marshal(cursor)
				p["cursor"] = c
			}
			var page json.RawMessage
			if err := h.SendRequest(ctx, method, p, &page); err != nil {
				yield(nil, err)
				return
			}
			items, next, err := extract(page)
			if err != nil {
				yield(nil, fmt.Errorf("mcpclient: decode %s page: %w", method, err))
				return
			}
			if !yield(items, nil) || next == "" {
				return
			}
			cursor = next
		}
	}
}

// paramsObject flattens params into a JSON object so a cursor can be merged
// in without knowing the concrete params type.
func paramsObject(params any) (map[string]json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if params == nil {
		return obj, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: encode params: %w", err)
	}
	if string(b) == "null" {
		return obj, nil
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("mcpclient: params must be a JSON object: %w", err)
	}
	return obj, nil
}

// Collect drains seq into a single slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[[]T, error]) ([]T, error) {
	var all []T
	for items, err := range seq {
		if err != nil {
			return all, err
		}
		all = append(all, items...)
	}
	return all, nil
}

// pageOf builds an Extractor that decodes a page into R and reads it with get.
func pageOf[R, T any](get func(*R) ([]T, string)) Extractor[T] {
	return func(page json.RawMessage) ([]T, string, error) {
		var r R
		if err := json.Unmarshal(page, &r); err != nil {
			return nil, "", err
		}
		items, next := get(&r)
		return items, next, nil
	}
}
