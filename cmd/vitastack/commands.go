package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/vitastack/internal/api"
	"github.com/kalambet/vitastack/internal/composer"
	"github.com/kalambet/vitastack/internal/config"
	"github.com/kalambet/vitastack/internal/profile"
)

// readProfileFile reads a profile payload from path, or from stdin when path is "-".
func readProfileFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("--file is required (use - for stdin)")
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return data, nil
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Print the protocol prompt for a profile without calling the model",
	Example: `  vitastack prompt --file profile.json
  cat profile.json | vitastack prompt --file -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		data, err := readProfileFile(cmd, path)
		if err != nil {
			return err
		}
		p, err := profile.Decode(data)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), composer.FormatProtocolPrompt(p))
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a protocol through the running server",
	Long: `Send a profile to the running vitastack server and stream the generated
protocol to stdout. The profile is stored like any other session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		data, err := readProfileFile(cmd, path)
		if err != nil {
			return err
		}
		if _, err := profile.Decode(data); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.streamProtocol(cmd.Context(), data, cmd.OutOrStdout()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the protocol tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		deps := api.MCPDeps{Version: version}
		if err := cfg.Validate(); err != nil {
			logger.Warn("generate_protocol disabled", "error", err)
		} else {
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			deps.Sessions = a.sessions
		}

		stdio := server.NewStdioServer(api.NewMCPServer(deps))
		if err := stdio.Listen(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: fmt.Sprintf(`Set a configuration value. Secret keys are written to the secrets file,
everything else to the config file.

Valid keys: %v`, config.ValidKeys()),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if config.IsSecret(key) {
			printSuccess("Set %s", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

func init() {
	promptCmd.Flags().StringP("file", "f", "", "profile JSON file (- for stdin)")
	generateCmd.Flags().StringP("file", "f", "", "profile JSON file (- for stdin)")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
