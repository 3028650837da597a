package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

var (
	toolsWithMCP     bool
	toolsSchemaStyle string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the tools offered to the model",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withTools(cmd.Context(), func(r *toolexecutor.Registry) error {
			return printTools(cmd.OutOrStdout(), r)
		})
	},
}

var toolsSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the active tool schemas in a provider's wire shape",
	RunE: func(cmd *cobra.Command, _ []string) error {
		style := toolexecutor.Style(toolsSchemaStyle)
		switch style {
		case toolexecutor.StyleOpenAI, toolexecutor.StyleAnthropic, toolexecutor.StyleGoogle:
		default:
			return fmt.Errorf("unknown schema style %q (openai, anthropic, google)", toolsSchemaStyle)
		}
		return withTools(cmd.Context(), func(r *toolexecutor.Registry) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(r.Describe(style))
		})
	},
}

var toolsOnCmd = &cobra.Command{
	Use:   "on <name>",
	Short: "Offer a tool to the model again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setToolActive(cmd.OutOrStdout(), args[0], true)
	},
}

var toolsOffCmd = &cobra.Command{
	Use:   "off <name>",
	Short: "Stop offering a tool to the model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setToolActive(cmd.OutOrStdout(), args[0], false)
	},
}

func init() {
	toolsCmd.PersistentFlags().BoolVar(&toolsWithMCP, "mcp", false, "start the configured MCP servers and include their tools")
	toolsSchemaCmd.Flags().StringVar(&toolsSchemaStyle, "style", "openai", "schema style (openai, anthropic, google)")
	toolsCmd.AddCommand(toolsListCmd, toolsSchemaCmd, toolsOnCmd, toolsOffCmd)
	rootCmd.AddCommand(toolsCmd)
}

// withTools builds a registry from the config, optionally with MCP servers
// running for the duration of fn.
func withTools(ctx context.Context, fn func(*toolexecutor.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return runWithTools(ctx, cfg, toolsWithMCP, fn)
}

func runWithTools(ctx context.Context, cfg *config.Config, withMCP bool, fn func(*toolexecutor.Registry) error) error {
	quiet := zerolog.Nop()
	registry, mgr, err := newTools(cfg, &quiet)
	if err != nil {
		return err
	}
	if withMCP {
		defer mgr.DisableAll(context.Background(), 0)
		if err := mgr.InitFromFile(ctx, cfg.MCP.ConfigFile); err != nil {
			return err
		}
	}
	return fn(registry)
}

func printTools(out io.Writer, r *toolexecutor.Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tORIGIN\tACTIVE\tDESCRIPTION")
	for _, name := range r.Names() {
		d, ok := r.Get(name)
		if !ok {
			continue
		}
		origin := string(d.Origin)
		if d.ServerName != "" {
			origin += ":" + d.ServerName
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.Name, origin, d.Active, d.Description)
	}
	return w.Flush()
}

// setToolActive persists the tool's state in agent.disabled_tools. Running
// chats pick it up on their next start.
func setToolActive(out io.Writer, name string, active bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	disabled := make([]string, 0, len(cfg.Agent.DisabledTools)+1)
	for _, n := range cfg.Agent.DisabledTools {
		if n != name {
			disabled = append(disabled, n)
		}
	}
	if !active {
		disabled = append(disabled, name)
	}
	if err := config.NewLoader(cfgFile).Update("agent.disabled_tools", disabled); err != nil {
		return err
	}
	state := "on"
	if !active {
		state = "off"
	}
	fmt.Fprintf(out, "tool %s turned %s\n", name, state)
	return nil
}
