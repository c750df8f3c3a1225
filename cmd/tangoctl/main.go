package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	accessKey  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tangoctl",
		Short: "Command-line client for a Tango broker",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "tangod HTTP address")
	rootCmd.PersistentFlags().StringVar(&accessKey, "access-key", "", "opaque access key for this requester")

	rootCmd.AddCommand(
		uploadCmd(),
		addJobCmd(),
		pollCmd(),
		infoCmd(),
		jobsCmd(),
		poolCmd(),
		preallocCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
