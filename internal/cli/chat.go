package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/pkg/channels"
)

var (
	chatChannel     string
	chatUser        string
	chatMetricsAddr string
	chatNoWatch     bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent on the console",
	Long: `Start an interactive console session. Every input line is one user
message; replies, tool notices and tool results are printed as they arrive.
Type /exit to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatChannel, "channel", "console", "channel name, the first half of the session id")
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "user name, the second half of the session id")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides telemetry.metrics_addr)")
	chatCmd.Flags().BoolVar(&chatNoWatch, "no-watch", false, "do not reload MCP servers when their config file changes")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if chatMetricsAddr != "" {
		cfg.Telemetry.MetricsAddr = chatMetricsAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{Watch: !chatNoWatch})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown finished with errors")
		}
	}()

	if cfg.Telemetry.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.Telemetry.MetricsAddr)
		if err != nil {
			return err
		}
		a.logger.Info().Str("addr", srv.Addr).Msg("Serving metrics")
		defer srv.Close()
	}

	console, err := channels.NewConsoleChannel(channels.ConsoleConfig{
		Name:   chatChannel,
		User:   chatUser,
		In:     cmd.InOrStdin(),
		Out:    cmd.OutOrStdout(),
		Prompt: "> ",
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	registry := channels.NewRegistry(a.scheduler.Dispatch)
	if err := registry.Register(console); err != nil {
		return err
	}
	if err := registry.StartAll(ctx); err != nil {
		return err
	}
	defer registry.StopAll(context.Background())

	a.logger.Debug().Str("session_id", console.SessionID()).Strs("tools", a.tools.Names()).Msg("Console session started")

	select {
	case <-console.Done():
	case <-ctx.Done():
		// The running turn sees ctx cancelled; drop the ones still waiting.
		a.scheduler.Cancel(console.SessionID())
	}
	return nil
}

func serveMetrics(addr string) (*http.Server, error) {
	observability.EnsureRegistered()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return srv, nil
}
