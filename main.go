package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wfed",
	Short: "wfed is the editing backend for workflow graphs",
	Long: `wfed serves collaborative editing sessions for workflow graphs over
WebSocket, with per-workflow undo/redo history and versioned storage.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
