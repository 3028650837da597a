package toolexecutor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	mcpProtocolVersion    = "2024-11-05"
	defaultMCPCallTimeout = 30 * time.Second
)

// ServerConfig describes how to reach an MCP server
type ServerConfig struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Transport string            `json:"transport,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timeout   float64           `json:"timeout,omitempty"` // seconds
	Active    *bool             `json:"active,omitempty"`
}

// IsActive reports whether the server should be started; it defaults to true.
func (c ServerConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

func (c ServerConfig) callTimeout() time.Duration {
	if c.Timeout > 0 {
		return time.Duration(c.Timeout * float64(time.Second))
	}
	return defaultMCPCallTimeout
}

// RemoteToolInfo is a tool advertised by an MCP server
type RemoteToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceContents is an embedded resource inside tool content
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Content is one typed block of a tool call result
type Content struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

// CallToolResult is the result of tools/call
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Session is a live connection to an MCP server
type Session interface {
	ListTools(ctx context.Context) ([]RemoteToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error)
	Close() error
}

// Connector opens sessions to MCP servers
type Connector interface {
	Connect(ctx context.Context, name string, cfg ServerConfig) (Session, error)
}

// MCP JSON-RPC messages
type mcpRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      *int64 `json:"id,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *mcpError) Error() string {
	return fmt.Sprintf("MCP error (%d): %s", e.Code, e.Message)
}

type mcpTransport interface {
	roundTrip(ctx context.Context, req mcpRequest) (*mcpResponse, error)
	notify(ctx context.Context, req mcpRequest) error
	close() error
}

// MCPConnector connects to MCP servers over stdio or streamable HTTP
type MCPConnector struct {
	ClientName    string
	ClientVersion string
	HTTPClient    *http.Client
	Logger        *zerolog.Logger
}

// Connect implements Connector.
func (c *MCPConnector) Connect(ctx context.Context, name string, cfg ServerConfig) (Session, error) {
	logger := log.Logger
	if c.Logger != nil {
		logger = *c.Logger
	}
	logger = logger.With().Str("server", name).Logger()

	var (
		t   mcpTransport
		err error
	)
	switch {
	case cfg.URL != "":
		switch cfg.Transport {
		case "", "streamable_http", "http":
		default:
			return nil, fmt.Errorf("unsupported MCP transport %q", cfg.Transport)
		}
		httpClient := c.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		t = &httpTransport{url: cfg.URL, headers: cfg.Headers, client: httpClient}
	case cfg.Command != "":
		t, err = startStdioTransport(cfg, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("mcp server %s needs a command or url", name)
	}

	client := &MCPClient{
		name:        name,
		transport:   t,
		callTimeout: cfg.callTimeout(),
		logger:      logger,
	}
	clientName := c.ClientName
	if clientName == "" {
		clientName = "agentloop"
	}
	clientVersion := c.ClientVersion
	if clientVersion == "" {
		clientVersion = "0.1.0"
	}
	if err := client.initialize(ctx, clientName, clientVersion); err != nil {
		_ = t.close()
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	return client, nil
}

// MCPClient speaks JSON-RPC 2.0 to one MCP server
type MCPClient struct {
	name        string
	transport   mcpTransport
	nextID      atomic.Int64
	callTimeout time.Duration
	logger      zerolog.Logger
}

func (c *MCPClient) initialize(ctx context.Context, clientName, clientVersion string) error {
	params := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.transport.notify(ctx, mcpRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
}

func (c *MCPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.transport.roundTrip(callCtx, mcpRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      &id,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("MCP request %s timeout after %v", method, c.callTimeout)
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// ListTools fetches the tool definitions, following pagination cursors.
func (c *MCPClient) ListTools(ctx context.Context) ([]RemoteToolInfo, error) {
	var (
		tools  []RemoteToolInfo
		cursor string
	)
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var page struct {
			Tools      []RemoteToolInfo `json:"tools"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("failed to decode tools/list: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool executes a tool on the server.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	ctx, span := tracing.StartSpan(ctx, "toolexecutor", "mcp.call_tool",
		attribute.String("mcp.server", c.name),
		attribute.String("tool.name", name),
	)
	defer span.End()

	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tools/call: %w", err)
	}
	return &result, nil
}

// Close shuts the transport down.
func (c *MCPClient) Close() error {
	return c.transport.close()
}

// stdioTransport runs the server as a child process with newline-delimited JSON.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writeM sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *mcpResponse
	closed  chan struct{}
	readErr error
	logger  zerolog.Logger
}

func startStdioTransport(cfg ServerConfig, logger zerolog.Logger) (*stdioTransport, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = logger.With().Str("stream", "stderr").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	t := &stdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *mcpResponse),
		closed:  make(chan struct{}),
		logger:  logger,
	}
	go t.listen(stdout)
	return t, nil
}

func (t *stdioTransport) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp mcpResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Error().Err(err).Msg("Failed to unmarshal MCP response")
			continue
		}
		if resp.ID == nil {
			// Server notification or log line.
			continue
		}

		t.mu.Lock()
		ch, exists := t.pending[*resp.ID]
		if exists {
			delete(t.pending, *resp.ID)
		}
		t.mu.Unlock()
		if exists {
			ch <- &resp
		}
	}

	t.mu.Lock()
	t.readErr = scanner.Err()
	if t.readErr == nil {
		t.readErr = io.EOF
	}
	t.mu.Unlock()
	close(t.closed)
}

func (t *stdioTransport) write(req mcpRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	t.writeM.Lock()
	defer t.writeM.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *stdioTransport) roundTrip(ctx context.Context, req mcpRequest) (*mcpResponse, error) {
	ch := make(chan *mcpResponse, 1)
	t.mu.Lock()
	t.pending[*req.ID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, *req.ID)
		t.mu.Unlock()
	}()

	if err := t.write(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-t.closed:
		t.mu.Lock()
		err := t.readErr
		t.mu.Unlock()
		return nil, fmt.Errorf("MCP server exited: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *stdioTransport) notify(_ context.Context, req mcpRequest) error {
	return t.write(req)
}

func (t *stdioTransport) close() error {
	_ = t.stdin.Close()
	select {
	case <-t.closed:
	case <-time.After(2 * time.Second):
	}
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.cmd.Wait()
	return nil
}

// httpTransport implements the streamable HTTP transport.
type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	mu        sync.Mutex
	sessionID string
}

func (t *httpTransport) post(ctx context.Context, req mcpRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.Lock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

func (t *httpTransport) roundTrip(ctx context.Context, req mcpRequest) (*mcpResponse, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body, *req.ID)
	}

	var out mcpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode MCP response: %w", err)
	}
	return &out, nil
}

// readSSEResponse scans an event stream for the response matching id.
func readSSEResponse(body io.Reader, id int64) (*mcpResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var data strings.Builder
	flush := func() (*mcpResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg mcpResponse
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			return nil, false
		}
		if msg.ID != nil && *msg.ID == id {
			return &msg, true
		}
		return nil, false
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if msg, ok := flush(); ok {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("event stream ended without response %d", id)
}

func (t *httpTransport) notify(ctx context.Context, req mcpRequest) error {
	resp, err := t.post(ctx, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (t *httpTransport) close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.mu.Unlock()
	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Mcp-Session-Id", sid)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
