// Command otterflowctl is the admin CLI for an otterflow server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultURL = "http://localhost:8080"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The client is resolved from flags,
// then OTTERFLOW_URL and OTTERFLOW_ADMIN_TOKEN.
func newRootCmd() *cobra.Command {
	var (
		url   string
		token string
		c     *client
	)
	root := &cobra.Command{
		Use:           "otterflowctl",
		Short:         "Admin CLI for the otterflow LLM router",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if url == "" {
				url = envOr("OTTERFLOW_URL", defaultURL)
			}
			if token == "" {
				token = os.Getenv("OTTERFLOW_ADMIN_TOKEN")
			}
			c = newClient(url, token)
		},
	}
	root.PersistentFlags().StringVar(&url, "url", "", "server base URL (default $OTTERFLOW_URL or "+defaultURL+")")
	root.PersistentFlags().StringVar(&token, "token", "", "admin token (default $OTTERFLOW_ADMIN_TOKEN)")

	get := func() *client { return c }
	root.AddCommand(
		versionCmd(),
		healthCmd(get),
		modelsCmd(get),
		walletCmd(get),
		apikeyCmd(get),
		banditCmd(get),
		usageCmd(get),
		feedbackCmd(get),
		routingCmd(get),
		adminTokenCmd(get),
		eventsCmd(get),
	)
	return root
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "otterflowctl %s\n", version)
		},
	}
}
