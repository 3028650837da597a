package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultEnableTimeout  = 30 * time.Second
	defaultDisableTimeout = 10 * time.Second
)

var errShutdownBeforeReady = errors.New("shutdown requested before the server was ready")

// MCPFile is the on-disk MCP server configuration
type MCPFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadMCPFile reads an MCP server file, creating an empty one if missing.
func LoadMCPFile(path string) (*MCPFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		file := &MCPFile{MCPServers: map[string]ServerConfig{}}
		if err := SaveMCPFile(path, file); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("MCP server file not found, created an empty one")
		return file, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read MCP server file: %w", err)
	}

	var file MCPFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse MCP server file: %w", err)
	}
	if file.MCPServers == nil {
		file.MCPServers = map[string]ServerConfig{}
	}
	return &file, nil
}

// SaveMCPFile writes the file atomically.
func SaveMCPFile(path string, file *MCPFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create MCP config directory: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write MCP server file: %w", err)
	}
	return os.Rename(tmp, path)
}

// serverHandle tracks one background connection task.
type serverHandle struct {
	name     string
	cfg      ServerConfig
	shutdown chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	session Session
	tools   []string
}

func (h *serverHandle) stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}

func (h *serverHandle) stopping() bool {
	select {
	case <-h.shutdown:
		return true
	default:
		return false
	}
}

// ServerStatus reports a running MCP server
type ServerStatus struct {
	Name      string   `json:"name"`
	Connected bool     `json:"connected"`
	Tools     []string `json:"tools"`
}

// MCPManagerConfig configures an MCPManager
type MCPManagerConfig struct {
	Connector      Connector
	EnableTimeout  time.Duration
	DisableTimeout time.Duration
	Logger         *zerolog.Logger
}

// MCPManager runs MCP server connections and keeps their tools registered
type MCPManager struct {
	registry       *Registry
	connector      Connector
	enableTimeout  time.Duration
	disableTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	servers map[string]*serverHandle
}

// NewMCPManager creates a manager registering tools into registry
func NewMCPManager(registry *Registry, cfg MCPManagerConfig) *MCPManager {
	observability.EnsureRegistered()

	m := &MCPManager{
		registry:       registry,
		connector:      cfg.Connector,
		enableTimeout:  cfg.EnableTimeout,
		disableTimeout: cfg.DisableTimeout,
		logger:         log.Logger.With().Str("component", "mcp_manager").Logger(),
		servers:        make(map[string]*serverHandle),
	}
	if m.connector == nil {
		m.connector = &MCPConnector{}
	}
	if m.enableTimeout <= 0 {
		m.enableTimeout = defaultEnableTimeout
	}
	if m.disableTimeout <= 0 {
		m.disableTimeout = defaultDisableTimeout
	}
	if cfg.Logger != nil {
		m.logger = *cfg.Logger
	}
	return m
}

// Enable starts a background connection to the server and waits until its
// tools are registered. Enabling a running server is a no-op. A zero timeout
// uses the manager default.
func (m *MCPManager) Enable(ctx context.Context, name string, cfg ServerConfig, timeout time.Duration) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("mcp server name is required")
	}
	if timeout <= 0 {
		timeout = m.enableTimeout
	}

	m.mu.Lock()
	if _, exists := m.servers[name]; exists {
		m.mu.Unlock()
		return nil
	}
	h := &serverHandle{
		name:     name,
		cfg:      cfg,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.servers[name] = h
	m.mu.Unlock()

	ready := make(chan error, 1)
	go m.run(h, ready)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			m.forget(h)
			observability.RecordMCPOperation("enable", false)
			return fmt.Errorf("%w: %s: %v", ErrProxyConnection, name, err)
		}
		observability.RecordMCPOperation("enable", true)
		return nil
	case <-timer.C:
		h.stop()
		m.forget(h)
		m.purge(h)
		observability.RecordMCPOperation("enable", false)
		return fmt.Errorf("%w: enabling %s after %v", ErrProxyTimeout, name, timeout)
	case <-ctx.Done():
		h.stop()
		m.forget(h)
		m.purge(h)
		return ctx.Err()
	}
}

// run is the background task owning one connection.
func (m *MCPManager) run(h *serverHandle, ready chan<- error) {
	defer close(h.done)
	defer m.cleanup(h)

	logger := m.logger.With().Str("server", h.name).Logger()

	connectCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.shutdown:
			cancel()
		case <-connectCtx.Done():
		}
	}()

	session, err := m.connector.Connect(connectCtx, h.name, h.cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect MCP server")
		ready <- err
		return
	}
	h.mu.Lock()
	h.session = session
	h.mu.Unlock()

	infos, err := session.ListTools(connectCtx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list MCP tools")
		ready <- err
		return
	}
	if h.stopping() {
		ready <- errShutdownBeforeReady
		return
	}

	m.registry.RemoveServer(h.name)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		tool := NewRemoteTool(h.name, info.Name, session)
		tool.owner = h
		desc := &Descriptor{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.InputSchema,
			Origin:      OriginRemote,
			ServerName:  h.name,
			Active:      true,
			Tool:        tool,
		}
		if err := m.registry.AddTool(desc); err != nil {
			logger.Warn().Err(err).Str("tool", info.Name).Msg("Skipping MCP tool")
			continue
		}
		names = append(names, info.Name)
	}
	h.mu.Lock()
	h.tools = names
	h.mu.Unlock()

	m.refreshGauge()
	logger.Info().Strs("tools", names).Msg("Connected MCP server")
	ready <- nil

	<-h.shutdown
	logger.Info().Msg("Received MCP server shutdown signal")
}

// cleanup closes the session and removes the server's tools.
func (m *MCPManager) cleanup(h *serverHandle) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			m.logger.Error().Err(err).Str("server", h.name).Msg("Failed to close MCP session")
		}
	}
	m.purge(h)
	m.refreshGauge()
	m.logger.Info().Str("server", h.name).Msg("Closed MCP server")
}

// purge removes tools registered by this handle only, so a newer connection
// under the same name keeps its tools.
func (m *MCPManager) purge(h *serverHandle) {
	m.registry.RemoveFunc(func(d *Descriptor) bool {
		rt, ok := d.Tool.(*RemoteTool)
		return ok && rt.owner == h
	})
}

func (m *MCPManager) forget(h *serverHandle) {
	m.mu.Lock()
	if m.servers[h.name] == h {
		delete(m.servers, h.name)
	}
	m.mu.Unlock()
	m.refreshGauge()
}

// Disable signals the server task to shut down and waits for its cleanup,
// bounded by timeout. Bookkeeping and tools are cleared either way.
func (m *MCPManager) Disable(ctx context.Context, name string, timeout time.Duration) error {
	if name == "" {
		return m.DisableAll(ctx, timeout)
	}
	if timeout <= 0 {
		timeout = m.disableTimeout
	}

	m.mu.Lock()
	h, ok := m.servers[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h.stop()
	defer func() {
		m.forget(h)
		m.purge(h)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		observability.RecordMCPOperation("disable", true)
		return nil
	case <-timer.C:
		observability.RecordMCPOperation("disable", false)
		m.logger.Warn().Str("server", name).Dur("timeout", timeout).Msg("MCP server cleanup timed out")
		return fmt.Errorf("%w: disabling %s after %v", ErrProxyTimeout, name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisableAll shuts every server down and waits for all of them under one
// shared timeout. Bookkeeping and remote tools are always cleared.
func (m *MCPManager) DisableAll(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.disableTimeout
	}

	m.mu.Lock()
	handles := make([]*serverHandle, 0, len(m.servers))
	for _, h := range m.servers {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		for _, h := range handles {
			if m.servers[h.name] == h {
				delete(m.servers, h.name)
			}
		}
		m.mu.Unlock()
		for _, h := range handles {
			m.purge(h)
		}
		m.refreshGauge()
	}()

	for _, h := range handles {
		h.stop()
	}

	abandon := make(chan struct{})
	defer close(abandon)

	var (
		wg      sync.WaitGroup
		hungMu  sync.Mutex
		pending = make(map[string]bool, len(handles))
	)
	for _, h := range handles {
		pending[h.name] = true
	}
	for _, h := range handles {
		wg.Add(1)
		go func(h *serverHandle) {
			defer wg.Done()
			select {
			case <-h.done:
				hungMu.Lock()
				delete(pending, h.name)
				hungMu.Unlock()
			case <-abandon:
			}
		}(h)
	}
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-allDone:
		observability.RecordMCPOperation("disable_all", true)
		return nil
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	hungMu.Lock()
	hung := make([]string, 0, len(pending))
	for name := range pending {
		hung = append(hung, name)
	}
	hungMu.Unlock()
	sort.Strings(hung)

	observability.RecordMCPOperation("disable_all", false)
	m.logger.Warn().Strs("servers", hung).Dur("timeout", timeout).Msg("MCP server cleanup timed out")
	return fmt.Errorf("%w: disabling %s after %v", ErrProxyTimeout, strings.Join(hung, ", "), timeout)
}

// Test connects to a server, lists its tool names and disconnects.
func (m *MCPManager) Test(ctx context.Context, cfg ServerConfig) ([]string, error) {
	session, err := m.connector.Connect(ctx, "test", cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnection, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to close test MCP session")
		}
	}()

	infos, err := session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names, nil
}

// Servers lists running servers sorted by name.
func (m *MCPManager) Servers() []ServerStatus {
	m.mu.Lock()
	handles := make([]*serverHandle, 0, len(m.servers))
	for _, h := range m.servers {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]ServerStatus, 0, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		out = append(out, ServerStatus{
			Name:      h.name,
			Connected: h.session != nil,
			Tools:     append([]string(nil), h.tools...),
		})
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InitFromFile enables every active server in the file concurrently.
func (m *MCPManager) InitFromFile(ctx context.Context, path string) error {
	file, err := LoadMCPFile(path)
	if err != nil {
		return err
	}
	return m.Reconcile(ctx, file.MCPServers)
}

// Reconcile brings the running servers in line with the desired set: new or
// changed active servers are (re)started, removed or inactive ones stopped.
func (m *MCPManager) Reconcile(ctx context.Context, desired map[string]ServerConfig) error {
	m.mu.Lock()
	running := make(map[string]ServerConfig, len(m.servers))
	for name, h := range m.servers {
		running[name] = h.cfg
	}
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for name, cfg := range running {
		want, ok := desired[name]
		if ok && want.IsActive() && reflect.DeepEqual(want, cfg) {
			continue
		}
		record(m.Disable(ctx, name, 0))
	}

	for name, cfg := range desired {
		if !cfg.IsActive() {
			continue
		}
		if prev, ok := running[name]; ok && reflect.DeepEqual(prev, cfg) {
			continue
		}
		wg.Add(1)
		go func(name string, cfg ServerConfig) {
			defer wg.Done()
			if err := m.Enable(ctx, name, cfg, 0); err != nil {
				m.logger.Error().Err(err).Str("server", name).Msg("Failed to enable MCP server")
				record(err)
			}
		}(name, cfg)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (m *MCPManager) refreshGauge() {
	m.mu.Lock()
	n := len(m.servers)
	m.mu.Unlock()
	observability.SetMCPServersActive(n)
}
