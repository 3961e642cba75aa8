// Package cmd wires the CLI surface: serve runs the chat server, chat runs a
// terminal client against it, version prints build information.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - a deployable chat front-end for a hosted agent runtime",
	Long: `Parley serves a chat API that proxies user messages to a hosted agent
runtime and streams responses back over Server-Sent Events, including
intermediate thinking and tool-call progress.

Run 'parley serve' to start the server, or 'parley chat' for a terminal
client against a running server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
