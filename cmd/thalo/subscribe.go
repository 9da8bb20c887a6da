package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/grpcapi"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe NAME",
	Short: "Subscribe to persisted events and print them as they arrive",
	Long: `Subscribe starts (or resumes) the named subscription, printing every
matching event and acknowledging it immediately. --interest filters by
"category:event_type" pairs; omit it to receive every event.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().String("addr", "127.0.0.1:7700", "Thalo gRPC address")
	subscribeCmd.Flags().StringSlice("interest", nil, "category:event_type pairs to filter on")
	rootCmd.AddCommand(subscribeCmd)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	name := args[0]
	addr, _ := cmd.Flags().GetString("addr")
	rawInterest, _ := cmd.Flags().GetStringSlice("interest")

	interest, err := parseInterest(rawInterest)
	if err != nil {
		return err
	}

	client, err := grpcapi.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	return client.SubscribeToEvents(ctx, &grpcapi.SubscribeRequest{Name: name, Interest: interest}, func(rec event.Record) error {
		fmt.Printf("[%d] %s %s: %s\n", rec.GlobalSequence, rec.StreamName, rec.EventType, string(rec.Data))
		return client.AcknowledgeEvent(ctx, &grpcapi.AcknowledgeRequest{Name: name, GlobalID: rec.GlobalSequence})
	})
}

func parseInterest(raw []string) ([]grpcapi.InterestCriteria, error) {
	interest := make([]grpcapi.InterestCriteria, 0, len(raw))
	for _, entry := range raw {
		category, eventType, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("subscribe: invalid --interest entry %q, expected category:event_type", entry)
		}
		interest = append(interest, grpcapi.InterestCriteria{Category: category, EventType: eventType})
	}
	return interest, nil
}
