package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tangod",
		Short: "Tango job-execution broker daemon",
		Long:  "Run the Tango job-execution broker: a Preallocator, Job Queue, Job Manager, and Server façade over a configurable VMMS driver",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON or YAML config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
