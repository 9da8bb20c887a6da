package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thalo-rs/thalo/pkg/grpcapi"
)

var publishCmd = &cobra.Command{
	Use:   "publish CATEGORY WASM_FILE",
	Short: "Publish a module binary for a category",
	Long: `Publish replaces the module binary backing CATEGORY atomically;
subsequent Execute calls for that category run against the new module and
the previous instance is dropped.`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().String("addr", "127.0.0.1:7700", "Thalo gRPC address")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	category, path := args[0], args[1]
	binary, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read module file: %w", err)
	}

	addr, _ := cmd.Flags().GetString("addr")
	client, err := grpcapi.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Publish(context.Background(), &grpcapi.PublishRequest{Category: category, Module: binary})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if resp.Outcome != "success" {
		fmt.Fprintf(os.Stderr, "publish rejected: %s\n", resp.Message)
		os.Exit(1)
	}
	fmt.Printf("Published %s (%d bytes)\n", category, len(binary))
	return nil
}
