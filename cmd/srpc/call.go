package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srpc-dev/srpc/pkg/srpc"
)

func callCmd() *cobra.Command {
	var (
		url      string
		clientID string
		secret   string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <method> [json-payload]",
		Short: "Invoke a method on an SRPC server",
		Long: `Connect, invoke one method, print the JSON reply, and disconnect.

Examples:
  srpc call uEcho '{"message":"Hello, SRPC!"}'
  srpc call uSlow '{"delayMs":250}' --timeout=5s`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "{}"
			if len(args) == 2 {
				payload = args[1]
			}
			return runCall(url, clientID, secret, args[0], payload, timeout)
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:8080/srpc", "Server endpoint")
	cmd.Flags().StringVarP(&clientID, "client-id", "c", "srpc-cli", "Client id")
	cmd.Flags().StringVar(&secret, "secret", "", "Shared HMAC secret")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Call deadline")

	return cmd
}

func runCall(url, clientID, secret, method, payload string, timeout time.Duration) error {
	var in json.RawMessage
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	client, err := srpc.NewClient(srpc.ClientConfig{
		URL:      url,
		ClientID: clientID,
		Secret:   secret,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return err
	}
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var out json.RawMessage
	if err := client.Invoke(ctx, method, in, &out); err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
