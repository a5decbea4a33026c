package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/relay-ai/relay/internal/errdefs"
)

// fakeServer answers JSON-RPC requests over pipes the way a well-behaved MCP
// server subprocess would.
type fakeServer struct {
	t       *testing.T
	in      *io.PipeReader
	out     *io.PipeWriter
	handler func(req request) any
}

func startFakeServer(t *testing.T, handler func(req request) any) (*Client, *fakeServer) {
	t.Helper()
	clientIn, serverOut := io.Pipe() // server -> client
	serverIn, clientOut := io.Pipe() // client -> server

	srv := &fakeServer{t: t, in: serverIn, out: serverOut, handler: handler}
	go srv.serve()
	client := newClientFromStreams("fake", clientOut, clientIn, nil)
	t.Cleanup(func() {
		serverOut.Close()
		client.Close(time.Second)
	})
	return client, srv
}

func (s *fakeServer) serve() {
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		line := scanner.Bytes()
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		if req.ID == 0 {
			continue // notification
		}
		result := s.handler(req)
		if result == nil {
			continue // handler chose not to answer
		}
		var resp map[string]any
		if rpcErr, ok := result.(*rpcError); ok {
			resp = map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": rpcErr}
		} else {
			resp = map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
		}
		data, _ := json.Marshal(resp)
		s.out.Write(append(data, '\n'))
	}
}

func defaultHandler(req request) any {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "fake", "version": "0.1"},
		}
	case "tools/list":
		return map[string]any{
			"tools": []map[string]any{
				{"name": "echo", "description": "Echo text back", "inputSchema": map[string]any{"type": "object"}},
			},
		}
	case "tools/call":
		var params callToolParams
		json.Unmarshal(req.Params, &params)
		var args map[string]string
		json.Unmarshal(params.Arguments, &args)
		return map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "echo: " + args["text"]},
				{"type": "image", "data": "ignored"},
				{"type": "text", "text": "done"},
			},
		}
	default:
		return &rpcError{Code: -32601, Message: "method not found"}
	}
}

func TestHandshakeDiscoversTools(t *testing.T) {
	client, _ := startFakeServer(t, defaultHandler)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.handshake(ctx); err != nil {
		t.Fatalf("handshake() error = %v", err)
	}
	tools := client.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("Tools() = %+v", tools)
	}
	if client.server.Name != "fake" {
		t.Fatalf("server info = %+v", client.server)
	}
}

func TestCallToolConcatenatesTextContent(t *testing.T) {
	client, _ := startFakeServer(t, defaultHandler)
	ctx := context.Background()
	if err := client.handshake(ctx); err != nil {
		t.Fatal(err)
	}

	out, err := client.CallTool(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if out != "echo: hi\ndone" {
		t.Fatalf("CallTool() = %q", out)
	}
}

func TestCallToolErrorResult(t *testing.T) {
	client, _ := startFakeServer(t, func(req request) any {
		if req.Method == "tools/call" {
			return map[string]any{"isError": true, "content": []map[string]any{}}
		}
		return defaultHandler(req)
	})
	ctx := context.Background()
	if err := client.handshake(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := client.CallTool(ctx, "echo", nil)
	if !errdefs.IsKind(err, errdefs.KindToolExecutionFailed) {
		t.Fatalf("err = %v, want tool_execution_failed", err)
	}
	if !strings.Contains(err.Error(), toolErrorFallback) {
		t.Fatalf("err = %v, want fallback message", err)
	}
}

func TestCallToolEmptyContent(t *testing.T) {
	client, _ := startFakeServer(t, func(req request) any {
		if req.Method == "tools/call" {
			return map[string]any{"content": []map[string]any{}}
		}
		return defaultHandler(req)
	})
	ctx := context.Background()
	if err := client.handshake(ctx); err != nil {
		t.Fatal(err)
	}
	out, err := client.CallTool(ctx, "echo", nil)
	if err != nil || out != emptyOutput {
		t.Fatalf("CallTool() = %q, %v", out, err)
	}
}

func TestRPCErrorMapsToToolFailure(t *testing.T) {
	client, _ := startFakeServer(t, func(req request) any {
		if req.Method == "tools/call" {
			return &rpcError{Code: -32000, Message: "boom"}
		}
		return defaultHandler(req)
	})
	ctx := context.Background()
	if err := client.handshake(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := client.CallTool(ctx, "echo", nil)
	if !errdefs.IsKind(err, errdefs.KindToolExecutionFailed) {
		t.Fatalf("err = %v, want tool_execution_failed", err)
	}
}

func TestCallAfterServerExit(t *testing.T) {
	client, srv := startFakeServer(t, defaultHandler)
	ctx := context.Background()
	if err := client.handshake(ctx); err != nil {
		t.Fatal(err)
	}

	srv.out.Close()
	// The reader notices EOF and fails the pending call instead of hanging.
	deadline, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := client.CallTool(deadline, "echo", nil)
	if err == nil {
		t.Fatal("expected error after server exit")
	}
}

func TestCallToolHonorsRequestTimeout(t *testing.T) {
	client, _ := startFakeServer(t, func(req request) any {
		if req.Method == "tools/call" {
			return nil // server goes silent
		}
		return defaultHandler(req)
	})
	client.requestTimeout = 50 * time.Millisecond
	ctx := context.Background()
	if err := client.handshake(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := client.CallTool(ctx, "echo", nil)
	if !errdefs.IsKind(err, errdefs.KindUpstreamUnavailable) {
		t.Fatalf("err = %v, want upstream_unavailable", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("per-request timeout not applied")
	}
}

func TestCloseKillsStubbornProcess(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start subprocess: %v", err)
	}

	c := &Client{
		name:      "stubborn",
		logger:    slog.Default(),
		cmd:       cmd,
		transport: newTransport(stdin, stdout, nil, nil),
	}
	done := make(chan struct{})
	go func() {
		// sleep ignores the closed stdin, so the grace period expires and
		// Close must kill and still return.
		c.Close(50 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after killing the process")
	}
}

func TestConcurrentCallsRouteById(t *testing.T) {
	client, _ := startFakeServer(t, defaultHandler)
	ctx := context.Background()
	if err := client.handshake(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			arg, _ := json.Marshal(map[string]string{"text": strings.Repeat("x", n+1)})
			out, err := client.CallTool(ctx, "echo", arg)
			if err == nil && !strings.HasPrefix(out, "echo: "+strings.Repeat("x", n+1)) {
				err = errdefs.New(errdefs.KindInternal, "response routed to wrong caller: "+out)
			}
			done <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
}
