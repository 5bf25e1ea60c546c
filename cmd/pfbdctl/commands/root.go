// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package commands implements the pfbdctl commands.
package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/asch/pfbd/internal/rpc"
)

// Global flags.
var (
	server  string
	timeout time.Duration
	output  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pfbdctl",
	Short: "pfbdctl - manage pfbd block devices",
	Long: `pfbdctl talks to the JSON-RPC management server of a running pfbd daemon.
It creates and deletes devices backed by remote volumes, lists them and
performs block I/O on them for debugging.

Use "pfbdctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command given on the command line.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&server, "server", "s", "127.0.0.1:5260", "Address of the management server")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Timeout of one call")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table or json")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...interface{}) {
	rootCmd.PrintErrf(format+"\n", args...)
}

func call(cmd *cobra.Command, method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	return rpc.NewClient(server, timeout).Call(ctx, method, params, result)
}
