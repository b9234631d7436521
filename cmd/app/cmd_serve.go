package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("failed to wire application: %w", err)
	}
	defer cleanup()

	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("application stopped with error: %w", err)
	}
	return nil
}
