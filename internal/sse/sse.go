// Package sse implements the client side of the text/event-stream format as
// specified by the WHATWG HTML living standard, plus an encoder used by test
// servers.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"
)

// DefaultEventType is the type of events that carry no event field.
const DefaultEventType = "message"

const maxLineSize = 4 * 1024 * 1024

// Event is one dispatched server-sent event.
type Event struct {
	Type string
	Data string
	// ID is the stream's last event id at the time of dispatch. It carries
	// over from earlier events when this event has no id field.
	ID string
	// Retry is the reconnection time advertised by the server, zero if the
	// event carried no valid retry field.
	Retry time.Duration
}

// Scan returns an iterator over the events of r. Iteration ends at EOF; an
// event that is not terminated by a blank line before EOF is discarded. A
// read error is yielded once as the final element.
func Scan(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(nil, maxLineSize)
		scanner.Split(scanLines)

		var (
			lastID  string
			evtType string
			retry   time.Duration
			data    strings.Builder
			hasData bool
		)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if hasData {
					evt := Event{
						Type:  evtType,
						Data:  strings.TrimSuffix(data.String(), "\n"),
						ID:    lastID,
						Retry: retry,
					}
					if evt.Type == "" {
						evt.Type = DefaultEventType
					}
					if !yield(evt, nil) {
						return
					}
				}
				evtType, retry, hasData = "", 0, false
				data.Reset()
				continue
			}
			if line[0] == ':' {
				continue
			}

			field, value, found := strings.Cut(line, ":")
			if found {
				value = strings.TrimPrefix(value, " ")
			}
			switch field {
			case "event":
				evtType = value
			case "data":
				data.WriteString(value)
				data.WriteByte('\n')
				hasData = true
			case "id":
				if !strings.ContainsRune(value, 0) {
					lastID = value
				}
			case "retry":
				if ms, err := strconv.ParseUint(value, 10, 63); err == nil {
					retry = time.Duration(ms) * time.Millisecond
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Event{}, fmt.Errorf("sse: read stream: %w", err))
		}
	}
}

// scanLines splits on LF, CRLF or a lone CR.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// CR: need one more byte to know whether this is CRLF.
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Encode writes e in wire format. Multi-line data is split across data
// fields. A zero Type is omitted, which readers treat as "message".
func Encode(w io.Writer, e Event) error {
	var b strings.Builder
	if e.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", e.ID)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Type)
	}
	if e.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", e.Retry.Milliseconds())
	}
	for _, line := range strings.Split(e.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
