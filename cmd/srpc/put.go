package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/srpc-dev/srpc/pkg/blobstore"
	"github.com/srpc-dev/srpc/pkg/srpc"
)

func putCmd() *cobra.Command {
	var (
		url      string
		clientID string
		secret   string
		key      string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file to the server's blob store",
		Long: `Stream a file to the server over an SRPC byte stream.

The file contents travel as chunked byte stream frames alongside the
uBlobPut request on the same connection.

Examples:
  srpc put ./backup.tar.gz
  srpc put ./report.pdf --key=reports/2026-08.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(url, clientID, secret, key, args[0], timeout)
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:8080/srpc", "Server endpoint")
	cmd.Flags().StringVarP(&clientID, "client-id", "c", "srpc-cli", "Client id")
	cmd.Flags().StringVar(&secret, "secret", "", "Shared HMAC secret")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Blob key (default: file basename)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 60*time.Second, "Upload deadline")

	return cmd
}

func runPut(url, clientID, secret, key, file string, timeout time.Duration) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	if key == "" {
		key = filepath.Base(file)
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

	size, err := blobstore.Put(ctx, client.Conn(), key, f)
	if err != nil {
		return err
	}
	fmt.Printf("stored %s (%d bytes)\n", key, size)
	return nil
}
