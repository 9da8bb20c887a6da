package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thalo-rs/thalo/pkg/grpcapi"
)

var executeCmd = &cobra.Command{
	Use:   "execute CATEGORY ID COMMAND PAYLOAD",
	Short: "Execute a command against an entity stream",
	Long: `Execute sends a single command to the entity identified by
CATEGORY and ID. PAYLOAD is a JSON-encoded string; pass "-" to read it
from stdin.

Examples:
  thalo execute counter acct-1 Increment '{"amount":1}'
  echo '{"amount":1}' | thalo execute counter acct-1 Increment -`,
	Args: cobra.ExactArgs(4),
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().String("addr", "127.0.0.1:7700", "Thalo gRPC address")
	executeCmd.Flags().Int("max-attempts", 3, "Maximum optimistic-concurrency retries")
	rootCmd.AddCommand(executeCmd)
}

func runExecute(cmd *cobra.Command, args []string) error {
	category, id, command, payload := args[0], args[1], args[2], args[3]
	if payload == "-" {
		data, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return fmt.Errorf("read payload from stdin: %w", err)
		}
		payload = string(data)
	}

	addr, _ := cmd.Flags().GetString("addr")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

	client, err := grpcapi.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	resp, err := client.Execute(ctx, &grpcapi.ExecuteRequest{
		Category:    category,
		ID:          id,
		Command:     command,
		Payload:     payload,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	switch resp.Outcome {
	case "success":
		fmt.Printf("OK, %d event(s) persisted\n", len(resp.Events))
		for _, ev := range resp.Events {
			fmt.Printf("  [%d] %s: %s\n", ev.GlobalSequence, ev.EventType, string(ev.Data))
		}
		return nil
	case "timeout":
		fmt.Fprintln(os.Stderr, "command timed out; it may still complete")
		os.Exit(2)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "command rejected: %s\n", resp.Message)
		os.Exit(1)
		return nil
	}
}
