package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/agentloop/pkg/toolexecutor"
)

var (
	mcpAddCommand   string
	mcpAddArgs      []string
	mcpAddEnv       []string
	mcpAddURL       string
	mcpAddTransport string
	mcpTestTimeout  time.Duration
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP server configuration",
	Long: `Manage the MCP server file. A running chat session watches the file
and starts, restarts or stops servers to match it.`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, file, err := loadMCPFile()
		if err != nil {
			return err
		}
		return printServers(cmd.OutOrStdout(), path, file)
	},
}

var mcpAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or replace an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (mcpAddCommand == "") == (mcpAddURL == "") {
			return fmt.Errorf("exactly one of --command or --url is required")
		}
		env, err := parseEnv(mcpAddEnv)
		if err != nil {
			return err
		}
		server := toolexecutor.ServerConfig{
			Command:   mcpAddCommand,
			Args:      mcpAddArgs,
			Env:       env,
			URL:       mcpAddURL,
			Transport: mcpAddTransport,
		}
		return updateMCPFile(func(f *toolexecutor.MCPFile) error {
			f.MCPServers[args[0]] = server
			return nil
		}, cmd.OutOrStdout(), "added "+args[0])
	},
}

var mcpRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateMCPFile(func(f *toolexecutor.MCPFile) error {
			if _, ok := f.MCPServers[args[0]]; !ok {
				return fmt.Errorf("mcp server %s not found", args[0])
			}
			delete(f.MCPServers, args[0])
			return nil
		}, cmd.OutOrStdout(), "removed "+args[0])
	},
}

var mcpOnCmd = &cobra.Command{
	Use:   "on <name>",
	Short: "Activate an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setServerActive(cmd.OutOrStdout(), args[0], true)
	},
}

var mcpOffCmd = &cobra.Command{
	Use:   "off <name>",
	Short: "Deactivate an MCP server without removing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setServerActive(cmd.OutOrStdout(), args[0], false)
	},
}

var mcpTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Connect to an MCP server once and list its tools",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		file, err := toolexecutor.LoadMCPFile(cfg.MCP.ConfigFile)
		if err != nil {
			return err
		}
		server, ok := file.MCPServers[args[0]]
		if !ok {
			return fmt.Errorf("mcp server %s not found", args[0])
		}

		quiet := zerolog.Nop()
		_, mgr, err := newTools(cfg, &quiet)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), mcpTestTimeout)
		defer cancel()
		tools, err := mgr.Test(ctx, server)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d tools\n", args[0], len(tools))
		for _, t := range tools {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", t)
		}
		return nil
	},
}

func init() {
	mcpAddCmd.Flags().StringVar(&mcpAddCommand, "command", "", "command that runs a stdio server")
	mcpAddCmd.Flags().StringArrayVar(&mcpAddArgs, "arg", nil, "command argument (repeatable)")
	mcpAddCmd.Flags().StringArrayVar(&mcpAddEnv, "env", nil, "KEY=VALUE environment entry (repeatable)")
	mcpAddCmd.Flags().StringVar(&mcpAddURL, "url", "", "streamable HTTP endpoint")
	mcpAddCmd.Flags().StringVar(&mcpAddTransport, "transport", "", "transport override")
	mcpTestCmd.Flags().DurationVar(&mcpTestTimeout, "timeout", 30*time.Second, "connection timeout")

	mcpCmd.AddCommand(mcpListCmd, mcpAddCmd, mcpRemoveCmd, mcpOnCmd, mcpOffCmd, mcpTestCmd)
	rootCmd.AddCommand(mcpCmd)
}

func loadMCPFile() (string, *toolexecutor.MCPFile, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", nil, err
	}
	file, err := toolexecutor.LoadMCPFile(cfg.MCP.ConfigFile)
	if err != nil {
		return "", nil, err
	}
	return cfg.MCP.ConfigFile, file, nil
}

func updateMCPFile(fn func(*toolexecutor.MCPFile) error, out io.Writer, done string) error {
	path, file, err := loadMCPFile()
	if err != nil {
		return err
	}
	if file.MCPServers == nil {
		file.MCPServers = map[string]toolexecutor.ServerConfig{}
	}
	if err := fn(file); err != nil {
		return err
	}
	if err := toolexecutor.SaveMCPFile(path, file); err != nil {
		return err
	}
	fmt.Fprintln(out, done)
	return nil
}

func setServerActive(out io.Writer, name string, active bool) error {
	state := "off"
	if active {
		state = "on"
	}
	return updateMCPFile(func(f *toolexecutor.MCPFile) error {
		server, ok := f.MCPServers[name]
		if !ok {
			return fmt.Errorf("mcp server %s not found", name)
		}
		server.Active = &active
		f.MCPServers[name] = server
		return nil
	}, out, name+" "+state)
}

func parseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q, want KEY=VALUE", e)
		}
		env[k] = v
	}
	return env, nil
}

func printServers(out io.Writer, path string, file *toolexecutor.MCPFile) error {
	fmt.Fprintf(out, "config: %s\n", path)
	if len(file.MCPServers) == 0 {
		fmt.Fprintln(out, "no MCP servers configured")
		return nil
	}
	names := make([]string, 0, len(file.MCPServers))
	for name := range file.MCPServers {
		names = append(names, name)
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tACTIVE\tTARGET")
	for _, name := range names {
		s := file.MCPServers[name]
		target := s.URL
		if s.Command != "" {
			target = strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
		}
		fmt.Fprintf(w, "%s\t%t\t%s\n", name, s.IsActive(), target)
	}
	return w.Flush()
}
