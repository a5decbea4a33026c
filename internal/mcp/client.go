package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/skills"
	"github.com/relay-ai/relay/pkg/models"
)

const (
	toolErrorFallback = "MCP tool error"
	emptyOutput       = "(no output)"
)

// Client owns one MCP server subprocess: its transport, its tool list from
// the startup handshake, and its shutdown.
type Client struct {
	name           string
	logger         *slog.Logger
	cmd            *exec.Cmd
	transport      *transport
	tools          []models.ToolDefinition
	server         serverInfo
	requestTimeout time.Duration
}

// Start launches the skill's server subprocess and completes the MCP
// handshake (initialize, notifications/initialized, tools/list) within the
// startup timeout. Per-skill timeouts override the pool defaults. A process
// that starts but fails the handshake is killed before the error returns.
func Start(ctx context.Context, skill *models.Skill, defaults config.MCPConfig, logger *slog.Logger) (*Client, error) {
	if skill.MCP == nil {
		return nil, errdefs.New(errdefs.KindToolExecutionFailed, fmt.Sprintf("skill %s declares no MCP server", skill.Name))
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", skill.Name)

	startupTimeout := defaults.StartupTimeout
	if skill.MCP.StartupTimeout > 0 {
		startupTimeout = skill.MCP.StartupTimeout
	}
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	requestTimeout := defaults.RequestTimeout
	if skill.MCP.RequestTimeout > 0 {
		requestTimeout = skill.MCP.RequestTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	args := make([]string, len(skill.MCP.Args))
	for i, arg := range skill.MCP.Args {
		args[i] = skills.ResolveVars(skill, arg)
	}
	cmd := exec.Command(skill.MCP.Command, args...)
	cmd.Env = os.Environ()
	for k, v := range skill.MCP.Env {
		cmd.Env = append(cmd.Env, k+"="+skills.ResolveVars(skill, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUpstreamUnavailable, "start mcp server", err)
	}
	logger.Info("mcp server started", "command", skill.MCP.Command, "pid", cmd.Process.Pid)

	c := &Client{
		name:           skill.Name,
		logger:         logger,
		cmd:            cmd,
		transport:      newTransport(stdin, stdout, stderr, logger),
		requestTimeout: requestTimeout,
	}

	hctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := c.handshake(hctx); err != nil {
		c.kill()
		c.cmd.Wait()
		return nil, errdefs.Wrap(errdefs.KindUpstreamUnavailable, fmt.Sprintf("mcp handshake with %s", skill.Name), err)
	}
	return c, nil
}

// newClientFromStreams wires a client over pre-made pipes. Tests stand in for
// the subprocess this way.
func newClientFromStreams(name string, stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		logger:    logger,
		transport: newTransport(stdin, stdout, nil, logger),
	}
}

func (c *Client) handshake(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "relay", "version": "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.server = init.ServerInfo

	if err := c.transport.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	toolsRaw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var list listToolsResult
	if err := json.Unmarshal(toolsRaw, &list); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	c.tools = make([]models.ToolDefinition, 0, len(list.Tools))
	for _, spec := range list.Tools {
		c.tools = append(c.tools, spec.definition())
	}
	c.logger.Info("mcp handshake complete",
		"server", c.server.Name, "version", c.server.Version, "tools", len(c.tools))
	return nil
}

// Tools returns the tool definitions discovered at startup.
func (c *Client) Tools() []models.ToolDefinition {
	out := make([]models.ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes a server tool and flattens the result to text. Text
// content items concatenate with newlines; non-text items are skipped. An
// isError result maps to a tool execution error carrying the server's text.
// Each call runs under the per-request timeout so a hung server cannot eat
// the turn deadline.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	callCtx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	params := callToolParams{Name: name, Arguments: args}
	raw, err := c.transport.Call(callCtx, "tools/call", params)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", errdefs.Wrap(errdefs.KindUpstreamUnavailable,
				fmt.Sprintf("mcp tool %s timed out", name), err)
		}
		return "", err
	}
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", errdefs.Wrap(errdefs.KindToolExecutionFailed, "parse tools/call result", err)
	}

	var parts []string
	for _, item := range result.Content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		if text == "" {
			text = toolErrorFallback
		}
		return "", errdefs.New(errdefs.KindToolExecutionFailed, text)
	}
	if text == "" {
		return emptyOutput, nil
	}
	return text, nil
}

// Close asks the server to exit by closing stdin, waits out the grace period,
// then kills the process.
func (c *Client) Close(grace time.Duration) {
	c.transport.Close()
	if c.cmd == nil {
		// Stream-backed clients have no process whose exit would close our
		// read side; waiting on the reader would hang.
		return
	}

	done := make(chan struct{})
	go func() {
		c.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		c.logger.Warn("mcp server did not exit, killing", "pid", c.cmd.Process.Pid)
		c.kill()
		<-done
	}
	c.transport.Wait()
}

// kill signals the process without reaping it; exactly one caller owns the
// Wait so concurrent waits never race.
func (c *Client) kill() {
	c.transport.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}
