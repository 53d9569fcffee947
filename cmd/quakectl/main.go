package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	server  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "quakectl",
		Short: "Operate the quake fanout: publish events and inspect region totals",
		Long: `quakectl publishes quake events to the fanout bus, either one JSON message
or the built-in dataset, and queries the aggregator for per-region totals.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&server, "server", defaultServer(), "API base URL")

	rootCmd.AddCommand(
		newPublishCmd(),
		newTotalsCmd(),
		newRegionsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func defaultServer() string {
	if v := os.Getenv("HTTP_BASE"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8000"
}
