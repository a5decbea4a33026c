package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relay-ai/relay/internal/errdefs"
)

// transport frames JSON-RPC messages over a byte stream pair. One goroutine
// owns reads; writes serialize through a mutex so concurrent calls never
// interleave partial lines.
type transport struct {
	logger *slog.Logger
	stdin  io.WriteCloser

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *response

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newTransport starts the reader over the given streams. stderr may be nil;
// when present it is drained and logged at debug level so a chatty server
// never blocks on a full pipe.
func newTransport(stdin io.WriteCloser, stdout io.Reader, stderr io.Reader, logger *slog.Logger) *transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &transport{
		logger:  logger,
		stdin:   stdin,
		pending: make(map[int64]chan *response),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
	return t
}

// Call sends a request and blocks for its response or context expiry.
func (t *transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-t.done:
		return nil, errdefs.New(errdefs.KindUpstreamUnavailable, "mcp transport closed")
	default:
	}

	id := t.nextID.Add(1)
	req := request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	respCh := make(chan *response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUpstreamUnavailable, "mcp write failed", err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, errdefs.Wrap(errdefs.KindToolExecutionFailed, method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errdefs.New(errdefs.KindUpstreamUnavailable, "mcp server exited mid-call")
	}
}

// Notify sends a fire-and-forget notification.
func (t *transport) Notify(method string, params any) error {
	n := notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		n.Params = data
	}
	return t.writeLine(n)
}

func (t *transport) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Close shuts down the write side and unblocks every pending call.
func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.stdin.Close()
	})
	return nil
}

// Wait blocks until the reader goroutines drain.
func (t *transport) Wait() {
	t.wg.Wait()
}

func (t *transport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.closeOnce.Do(func() {
		close(t.done)
		t.stdin.Close()
	})

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("mcp stdout closed", "error", err)
	}
}

func (t *transport) dispatch(line []byte) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Warn("dropping unparseable mcp message", "error", err)
		return
	}
	if resp.ID == nil {
		// Server-initiated notifications are logged and ignored; the pool
		// re-lists tools on restart rather than tracking change events.
		var n notification
		if json.Unmarshal(line, &n) == nil && n.Method != "" {
			t.logger.Debug("mcp notification", "method", n.Method)
		}
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[*resp.ID]
	if ok {
		delete(t.pending, *resp.ID)
	}
	t.pendingMu.Unlock()
	if !ok {
		t.logger.Warn("mcp response for unknown request", "id", *resp.ID)
		return
	}
	ch <- &resp
}

func (t *transport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("mcp server stderr", "line", line)
		}
	}
}
