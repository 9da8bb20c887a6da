package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thalo-rs/thalo/internal/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "thalo",
	Short: "Thalo event-sourcing runtime",
	Long: `Thalo executes domain aggregates authored as WebAssembly components,
persists the events they emit to an append-only log, and pushes those
events to subscribers with at-least-once delivery.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}
