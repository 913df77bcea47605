package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomwhite/lithops/internal/lifecycle"
	"github.com/tomwhite/lithops/pkg/config"
)

var (
	cfg = config.LoadBackendConfig()

	outputFormat string

	rootCmd = &cobra.Command{
		Use:           "lithops",
		Short:         "Manage Cloud Run runtimes for serverless function execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the backend version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), lifecycle.Version)
		},
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Platform, "platform", cfg.Platform, "deployment platform (cloudrun|gcloud|kubernetes|local)")
	flags.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "cloud project id")
	flags.StringVar(&cfg.Region, "region", cfg.Region, "cloud region")
	flags.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "kubernetes namespace")
	flags.StringVar(&cfg.Builder, "builder", cfg.Builder, "image builder (cloudbuild|docker)")
	flags.StringVar(&cfg.Registry, "registry", cfg.Registry, "container registry host")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "maximum instances per runtime")
	flags.StringVarP(&outputFormat, "output", "o", "auto", "output format (auto|table|json)")

	rootCmd.AddCommand(runtimeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
