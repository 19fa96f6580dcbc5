package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrExited is returned by calls made after the subprocess has gone.
var ErrExited = errors.New("signal-cli subprocess exited")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// rpcLine is any line signal-cli writes: a response when ID is set, a
// notification otherwise.
type rpcLine struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcResult struct {
	raw json.RawMessage
	err error
}

// Client talks to a signal-cli process running in jsonRpc mode over
// stdin/stdout. Requests are correlated with responses by id; inbound
// text messages are pushed to Messages.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex // guards pending and stdin writes
	pending map[int64]chan rpcResult

	messages chan *Envelope
	done     chan struct{} // closed when the read loop exits
	waitErr  chan error
}

// NewClient creates a client. Call Start to launch the subprocess.
func NewClient(command string, args []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		command:  command,
		args:     args,
		logger:   logger,
		pending:  make(map[int64]chan rpcResult),
		messages: make(chan *Envelope, 64),
		done:     make(chan struct{}),
		waitErr:  make(chan error, 1),
	}
}

// Start launches signal-cli. It must be called exactly once.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, 1<<20)

	go c.logStderr(stderr)
	go c.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.logger.Error("signal-cli exited with error", "error", err)
		} else {
			c.logger.Info("signal-cli exited")
		}
		c.waitErr <- err
	}()

	c.logger.Info("signal-cli started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

// Messages returns inbound data-message envelopes. The channel is
// closed when the subprocess exits.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// Send delivers a text message and returns its server timestamp.
func (c *Client) Send(ctx context.Context, recipient, message string) (int64, error) {
	raw, err := c.call(ctx, "send", map[string]any{
		"recipient": []string{recipient},
		"message":   message,
	})
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}
	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode send result: %w", err)
	}
	return res.Timestamp, nil
}

// SendReceipt marks a received message as read.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	_, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	})
	if err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// SendTyping starts or stops the typing indicator.
func (c *Client) SendTyping(ctx context.Context, recipient string, stop bool) error {
	params := map[string]any{"recipient": recipient}
	if stop {
		params["stop"] = true
	}
	if _, err := c.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal sendTyping: %w", err)
	}
	return nil
}

// Ping asks signal-cli for its version. Used as a health probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close closes stdin so signal-cli exits, killing it after five seconds.
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(5 * time.Second):
		c.logger.Warn("signal-cli did not exit, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrExited
	default:
	}
	c.pending[id] = ch
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res := <-ch:
		return res.raw, res.err
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		close(c.done)
		for id, ch := range c.pending {
			ch <- rpcResult{err: ErrExited}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.messages)
	}()

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Error("signal-cli read failed", "error", err)
			}
			return
		}
		c.dispatch(line)
	}
}

// dispatch routes one line to its waiting caller or, for receive
// notifications carrying text, to the messages channel.
func (c *Client) dispatch(line []byte) {
	var msg rpcLine
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Debug("signal-cli non-JSON line", "line", string(line))
		return
	}

	if msg.ID != nil {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("signal-cli response for unknown id", "id", *msg.ID)
			return
		}
		res := rpcResult{raw: msg.Result}
		if msg.Error != nil {
			res.err = msg.Error
		}
		ch <- res
		return
	}

	if msg.Method != "receive" {
		c.logger.Debug("signal-cli notification ignored", "method", msg.Method)
		return
	}
	var n receiveNotification
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		c.logger.Warn("signal-cli malformed receive notification", "error", err)
		return
	}
	if n.Envelope.DataMessage == nil {
		return
	}
	select {
	case c.messages <- &n.Envelope:
	default:
		c.logger.Warn("signal inbound queue full, dropping message", "sender", n.Envelope.Source)
	}
}

func (c *Client) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
}
