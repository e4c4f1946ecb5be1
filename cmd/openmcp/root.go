package main

import (
	"os"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	serverURL  string
	token      string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "openmcp",
		Short: "Run and manage OpenMCP agent tasks",
		Long: `openmcp runs agent tasks in-process (run, delegate) or talks to a running
openmcpd daemon (submit, status, list, cancel, resolve).

Examples:
  # Run a dynamic task locally
  openmcp run "find the install command on the docs site"

  # Run a predefined checklist
  openmcp run --mode predefined --step "open the pricing page" --step "note the plans" "collect pricing"

  # Submit to the daemon and wait for the outcome
  openmcp submit --wait "summarise the changelog"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("OPENMCP_CONFIG"), "config file for in-process commands")
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("OPENMCP_SERVER", "http://localhost:8080"), "openmcpd base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("OPENMCP_TOKEN"), "bearer token for openmcpd")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	cmd.AddCommand(
		newRunCmd(opts),
		newDelegateCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newCancelCmd(opts),
		newResolveCmd(opts),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
