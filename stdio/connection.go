package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/transport"
)

var _ transport.Transport = (*Connection)(nil)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("stdio: connection closed")

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("stdio: connection already started")

const (
	maxLineSize  = 16 << 20
	closeTimeout = 2 * time.Second
)

// Connection runs an MCP server as a child process.
type Connection struct {
	command string
	args    []string
	env     []string
	dir     string
	cb      transport.Callbacks
	log     *slog.Logger

	// r and w are the peer's stdout and stdin.
	r io.Reader
	w io.Writer

	cmd *exec.Cmd

	writeMu sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool

	// exited is closed once the peer's output is drained and, for a child
	// process, it has been reaped.
	exited chan struct{}
}

// New prepares a Connection for command. Nothing is spawned until Start.
func New(command string, args []string, cb transport.Callbacks, opts ...Option) (*Connection, error) {
	c := &Connection{
		command: command,
		args:    args,
		cb:      cb,
		log:     slog.New(slog.DiscardHandler),
		exited:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.r == nil && command == "" {
		return nil, errors.New("stdio: command is required")
	}
	c.log = slog.New(logctx.Handler{Handler: c.log.Handler()})
	return c, nil
}

// Start spawns the child process and begins reading its output.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.started:
		return ErrAlreadyStarted
	}
	c.started = true
	ctx = c.logContext(ctx)
	c.cb.StateChange(transport.Starting)

	if c.r != nil {
		go c.serveIO()
		c.cb.StateChange(transport.Running)
		return nil
	}

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Dir = c.dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdio: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stdio: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.log.ErrorContext(ctx, "stdio.spawn.fail", slog.String("command", c.command), slog.String("err", err.Error()))
		err = fmt.Errorf("stdio: start %s: %w", c.command, err)
		c.cb.StateChange(transport.Errored(err, false))
		return err
	}
	c.cmd = cmd
	c.r = stdout
	c.writeMu.Lock()
	c.w = stdin
	c.writeMu.Unlock()
	c.log.InfoContext(ctx, "stdio.spawn.ok", slog.String("command", c.command), slog.Int("pid", cmd.Process.Pid))

	go c.supervise(stdout, stderr)
	c.cb.StateChange(transport.Running)
	return nil
}

// Send writes msg as a single line. JSON containing newlines is compacted.
func (c *Connection) Send(ctx context.Context, msg []byte) {
	if bytes.ContainsAny(msg, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, msg); err != nil {
			c.fail(ctx, fmt.Errorf("stdio: invalid message: %w", err))
			return
		}
		msg = buf.Bytes()
	}
	line := make([]byte, 0, len(msg)+1)
	line = append(append(line, msg...), '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.w == nil {
		c.fail(ctx, errors.New("stdio: send before start"))
		return
	}
	if _, err := c.w.Write(line); err != nil {
		c.fail(ctx, fmt.Errorf("stdio: write: %w", err))
	}
}

// Close closes the child's stdin, waits briefly for it to exit and kills it
// otherwise.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.writeMu.Lock()
	if wc, ok := c.w.(io.Closer); ok {
		_ = wc.Close()
	}
	c.writeMu.Unlock()

	if started && c.cmd != nil {
		select {
		case <-c.exited:
		case <-time.After(closeTimeout):
			c.log.WarnContext(c.logContext(context.Background()), "stdio.close.kill", slog.Int("pid", c.cmd.Process.Pid))
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
	}
	c.cb.StateChange(transport.Stopped)
	return nil
}

func (c *Connection) serveIO() {
	defer close(c.exited)
	if err := c.readMessages(c.r); err != nil {
		c.fail(context.Background(), err)
		return
	}
	if !c.isClosed() {
		c.cb.StateChange(transport.Stopped)
	}
}

// supervise drains the child's output and reaps it. Wait must not be called
// before the pipes are fully read.
func (c *Connection) supervise(stdout, stderr io.Reader) {
	defer close(c.exited)
	ctx := c.logContext(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logStderr(ctx, stderr)
	}()
	readErr := c.readMessages(stdout)
	wg.Wait()
	waitErr := c.cmd.Wait()

	if c.isClosed() {
		return
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		c.log.WarnContext(ctx, "stdio.exit.fail", slog.Int("code", exitErr.ExitCode()))
		c.cb.StateChange(transport.Errored(fmt.Errorf("stdio: server exited: %w", waitErr), false))
	case waitErr != nil || readErr != nil:
		c.fail(ctx, errors.Join(readErr, waitErr))
	default:
		c.log.InfoContext(ctx, "stdio.exit.ok")
		c.cb.StateChange(transport.Stopped)
	}
}

func (c *Connection) readMessages(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.cb.Message(append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) && !c.isClosed() {
		return fmt.Errorf("stdio: read: %w", err)
	}
	return nil
}

func (c *Connection) logStderr(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineSize)
	for scanner.Scan() {
		c.log.InfoContext(ctx, "stdio.stderr", slog.String("line", scanner.Text()))
	}
}

func (c *Connection) fail(ctx context.Context, err error) {
	if c.isClosed() {
		return
	}
	c.log.ErrorContext(c.logContext(ctx), "stdio.fail", slog.String("err", err.Error()))
	c.cb.StateChange(transport.Errored(err, false))
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) logContext(ctx context.Context) context.Context {
	return logctx.WithConnData(ctx, &logctx.ConnData{ServerURL: c.command, Transport: "stdio"})
}
