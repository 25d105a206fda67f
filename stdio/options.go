package stdio

import (
	"io"
	"log/slog"
)

// Option customizes a Connection.
type Option func(*Connection)

// WithIO connects to an already running peer over r and w instead of
// spawning a process. Close closes w if it is an io.Closer.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(c *Connection) {
		if r != nil {
			c.r = r
		}
		if w != nil {
			c.w = w
		}
	}
}

// WithEnv appends KEY=VALUE entries to the child's inherited environment.
func WithEnv(env []string) Option {
	return func(c *Connection) { c.env = append(c.env, env...) }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(c *Connection) { c.dir = dir }
}

// WithLogger overrides the logger. Child stderr lines are logged at info.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}
