package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srpc-dev/srpc/pkg/auth"
	"github.com/srpc-dev/srpc/pkg/blobstore"
	"github.com/srpc-dev/srpc/pkg/middleware"
	"github.com/srpc-dev/srpc/pkg/srpc"
)

func serveCmd() *cobra.Command {
	var (
		addr          string
		path          string
		secret        string
		allowLoopback bool
		s3Bucket      string
		s3Prefix      string
		logJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start an SRPC server",
		Long: `Start an SRPC server with the demo endpoints.

Endpoints:
  uEcho     Echoes the request message
  uSlow     Replies after a requested delay
  uBlobPut  Stores an uploaded byte stream

The SRPC endpoint is served on --path; Prometheus metrics are on
/metrics. Exactly one authorization strategy is active: HMAC with
--secret, or loopback-only with --allow-loopback.

Examples:
  srpc serve --secret=s3cret
  srpc serve --addr=:9000 --allow-loopback
  srpc serve --secret=s3cret --s3-bucket=blobs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, path, secret, allowLoopback, s3Bucket, s3Prefix, logJSON)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Address to listen on")
	cmd.Flags().StringVarP(&path, "path", "p", "/srpc", "URL path of the SRPC endpoint")
	cmd.Flags().StringVar(&secret, "secret", "", "Shared HMAC secret for all clients")
	cmd.Flags().BoolVar(&allowLoopback, "allow-loopback", false, "Accept unsigned connections from loopback instead of HMAC")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "Store blobs in this S3 bucket (default: in-memory)")
	cmd.Flags().StringVar(&s3Prefix, "s3-prefix", "blobs/", "S3 key prefix for stored blobs")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log JSON instead of text")

	return cmd
}

// EchoRequest is the uEcho request payload.
type EchoRequest struct {
	Message string `json:"message"`
}

// EchoResponse is the uEcho reply payload.
type EchoResponse struct {
	Message string `json:"message"`
}

// SlowRequest is the uSlow request payload.
type SlowRequest struct {
	DelayMs int `json:"delayMs"`
}

func runServe(addr, path, secret string, allowLoopback bool, s3Bucket, s3Prefix string, logJSON bool) error {
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	var authorizer auth.Authorizer
	switch {
	case allowLoopback:
		authorizer = auth.Loopback()
	case secret != "":
		authorizer = &auth.Verifier{Keys: auth.StaticKey(secret)}
	default:
		return errors.New("either --secret or --allow-loopback is required")
	}

	server, err := srpc.NewServer(srpc.ServerConfig{
		Path:       path,
		Authorizer: authorizer,
		Logger:     logger,
		Observers:  []srpc.Observer{srpc.NewMetrics(nil, "srpc")},
	})
	if err != nil {
		return err
	}
	server.Use(middleware.Logging(logger))
	server.Use(middleware.Prometheus())
	server.Use(middleware.OpenTelemetry())

	store, err := newStore(s3Bucket, s3Prefix)
	if err != nil {
		return err
	}

	server.Handle("uEcho", srpc.Typed(func(ctx context.Context, c *srpc.Conn, req EchoRequest) (EchoResponse, error) {
		return EchoResponse{Message: "Echo: " + req.Message}, nil
	}))
	server.Handle("uSlow", srpc.Typed(func(ctx context.Context, c *srpc.Conn, req SlowRequest) (EchoResponse, error) {
		select {
		case <-time.After(time.Duration(req.DelayMs) * time.Millisecond):
			return EchoResponse{Message: "done"}, nil
		case <-ctx.Done():
			return EchoResponse{}, ctx.Err()
		}
	}))
	server.Handle(blobstore.MethodPut, blobstore.PutHandler(store))

	server.Registry().OnConnect(func(c *srpc.Conn) {
		logger.Info("client connected", "conn_id", c.ID, "client_id", c.ClientID)
	})
	server.Registry().OnDisconnect(func(c *srpc.Conn, cause string) {
		logger.Info("client disconnected", "conn_id", c.ID, "client_id", c.ClientID, "cause", cause)
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Handle(path, server)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{Addr: addr, Handler: r}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		server.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	logger.Info("srpc server listening", "addr", addr, "path", path)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newStore(bucket, prefix string) (blobstore.Store, error) {
	if bucket == "" {
		return blobstore.NewMemoryStore(), nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return blobstore.NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}
