package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "buildrelayd",
		Short: "Build job coordination server",
		Long: `buildrelayd coordinates build jobs between submitters and runners.
Submitters upload source bundles over HTTP, runners claim jobs for their
platform, stream status and logs back, and upload the finished artifacts.`,
		RunE: runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("buildrelayd", version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
