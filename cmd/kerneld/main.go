package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api/v1"

func main() {
	root := buildRoot(newCommand(os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree around c.
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	listFlags := &ListFlags{}
	stopFlags := &StopFlags{}
	stopChatFlags := &StopChatFlags{}
	tokenFlags := &TokenFlags{}

	root := createRootCommand(globalFlags)
	root.SetOut(c.out)
	root.AddCommand(
		createServeCommand(c, globalFlags),
		createListCommand(c, globalFlags, listFlags),
		createGetCommand(c, globalFlags),
		createStopCommand(c, globalFlags, stopFlags),
		createStopChatCommand(c, globalFlags, stopChatFlags),
		createCapabilitiesCommand(c, globalFlags),
		createTokenCommand(c, globalFlags, tokenFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "kerneld",
		Short: "Background code-execution daemons for chat",
		Long: `kerneld runs long-lived code executions started from a chat turn,
streams their output to observers and cleans them up on stop, timeout or
disconnect.

Examples:
  kerneld serve kerneld.toml                  # Start the server
  kerneld list --user=alice --chat=c1         # Daemons of alice in chat c1
  kerneld stop --user=alice --id=<daemon_id>  # Stop one daemon
  kerneld list --user=ops --role=admin --api-url=http://remote:8080/api/v1`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", defaultAPIUrl, "kerneld API base URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.User, "user", os.Getenv("KERNELD_USER"), "user id sent with remote requests")
	root.PersistentFlags().StringVar(&flags.Role, "role", "", "role sent with remote requests (e.g. admin)")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("KERNELD_TOKEN"), "bearer token for servers with server.jwt_secret")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the kerneld server",
		Long: `Start the REST API, the websocket gateway and the daemon reaper.
Configuration comes from the optional TOML file plus KERNELD_* environment
variables. Changes to daemon.max_runtime in the file apply to new daemons.

Examples:
  kerneld serve                          # Defaults and environment only
  kerneld serve kerneld.toml             # Start with specific config file
  kerneld serve --listen=127.0.0.1:9000  # Override server.listen`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return c.Serve(cmd.Context(), *serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override server.listen")
	return cmd
}

// createListCommand creates the list subcommand
func createListCommand(c *command, globalFlags *GlobalFlags, listFlags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List running daemons",
		Long: `List the running daemons visible to the user. Admins see every user's
daemons.

Examples:
  kerneld list --user=alice
  kerneld list --user=alice --chat=c1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *globalFlags, *listFlags)
		},
	}
	cmd.Flags().StringVar(&listFlags.ChatID, "chat", "", "only daemons of this chat")
	return cmd
}

// createGetCommand creates the get subcommand
func createGetCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <daemon_id>",
		Short: "Show one daemon, including recently ended ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Get(cmd.Context(), *globalFlags, args[0])
		},
	}
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command, globalFlags *GlobalFlags, stopFlags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a daemon",
		Long: `Stop a daemon and release its kernel. Stopping a daemon that already
ended succeeds without side effects.

Examples:
  kerneld stop --user=alice --id=3f0c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *globalFlags, *stopFlags)
		},
	}
	cmd.Flags().StringVar(&stopFlags.DaemonID, "id", "", "daemon id (required)")

	// Mark required flags
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err) // This should never happen during setup
	}
	return cmd
}

// createStopChatCommand creates the stop-chat subcommand
func createStopChatCommand(c *command, globalFlags *GlobalFlags, stopChatFlags *StopChatFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-chat",
		Short: "Stop every daemon of a chat",
		Long: `Stop every running daemon in a chat that the user may manage.

Examples:
  kerneld stop-chat --user=alice --chat=c1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopChat(cmd.Context(), *globalFlags, *stopChatFlags)
		},
	}
	cmd.Flags().StringVar(&stopChatFlags.ChatID, "chat", "", "chat id (required)")

	if err := cmd.MarkFlagRequired("chat"); err != nil {
		panic(err)
	}
	return cmd
}

// createCapabilitiesCommand creates the capabilities subcommand
func createCapabilitiesCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Report whether the server's engine can run daemons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Capabilities(cmd.Context(), *globalFlags)
		},
	}
}

// createTokenCommand creates the token subcommand
func createTokenCommand(c *command, globalFlags *GlobalFlags, tokenFlags *TokenFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured server.jwt_secret",
		Long: `Sign a bearer token for a user, for operators and scripts talking to a
server that verifies tokens instead of forwarded headers.

Examples:
  kerneld token --config=kerneld.toml --user=ops --role=admin --ttl=1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Token(*globalFlags, *tokenFlags)
		},
	}
	cmd.Flags().DurationVar(&tokenFlags.TTL, "ttl", time.Hour, "token lifetime")
	return cmd
}
