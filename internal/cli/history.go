package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harun/agentloop/pkg/conversation"
)

var (
	historySession string
	historyFormat  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect stored conversations of a session",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withConversations(cmd.Context(), func(ctx context.Context, m *conversation.Manager) error {
			convs, err := m.List(ctx, historySession)
			if err != nil {
				return err
			}
			current, err := m.CurrentID(ctx, historySession)
			if err != nil {
				return err
			}
			return printConversations(cmd.OutOrStdout(), convs, current)
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a conversation, the current one by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversations(cmd.Context(), func(ctx context.Context, m *conversation.Manager) error {
			var c *conversation.Conversation
			var err error
			if len(args) == 1 {
				c, err = m.Get(ctx, historySession, args[0])
			} else {
				c, err = m.Current(ctx, historySession)
			}
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("session %s has no current conversation", historySession)
			}
			return writeConversation(cmd.OutOrStdout(), c, historyFormat)
		})
	},
}

var historyNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a fresh conversation for the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withConversations(cmd.Context(), func(ctx context.Context, m *conversation.Manager) error {
			c, err := m.New(ctx, historySession)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		})
	},
}

var historySwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Make an existing conversation current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversations(cmd.Context(), func(ctx context.Context, m *conversation.Manager) error {
			return m.SwitchTo(ctx, historySession, args[0])
		})
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversations(cmd.Context(), func(ctx context.Context, m *conversation.Manager) error {
			return m.Delete(ctx, historySession, args[0])
		})
	},
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historySession, "session", "console:local", "session id")
	historyShowCmd.Flags().StringVar(&historyFormat, "format", "text", "output format (text, json, yaml)")
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyNewCmd, historySwitchCmd, historyDeleteCmd)
	rootCmd.AddCommand(historyCmd)
}

func withConversations(ctx context.Context, fn func(context.Context, *conversation.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	quiet := zerolog.Nop()
	m, err := newConversations(cfg, &quiet)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(ctx, m)
}

func printConversations(out io.Writer, convs []conversation.Conversation, current string) error {
	if len(convs) == 0 {
		fmt.Fprintln(out, "no conversations")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tMESSAGES\tUPDATED\tTITLE")
	for _, c := range convs {
		marker := ""
		if c.ID == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", marker, c.ID, len(c.History), c.UpdatedAt.Format(time.RFC3339), c.Title)
	}
	return w.Flush()
}

func writeConversation(out io.Writer, c *conversation.Conversation, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	case "yaml":
		// Round trip through JSON so keys follow the json tags.
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		for _, m := range c.History {
			if m.Content != "" {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(out, "[%s] call %s(%s)\n", m.Role, tc.Function.Name, tc.Function.Arguments)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (text, json, yaml)", format)
	}
}
