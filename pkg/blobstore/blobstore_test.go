package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/srpc-dev/srpc/pkg/auth"
	"github.com/srpc-dev/srpc/pkg/srpc"
)

const testSecret = "test-secret"

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	n, err := store.Put(context.Background(), "a/b.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != 5 {
		t.Errorf("Put size = %d, want 5", n)
	}

	data, err := store.Get("a/b.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Get = %q", data)
	}

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	// Put replaces.
	if _, err := store.Put(context.Background(), "a/b.txt", strings.NewReader("bye")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, _ = store.Get("a/b.txt")
	if string(data) != "bye" {
		t.Errorf("Get after replace = %q", data)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestPutEndToEnd(t *testing.T) {
	store := NewMemoryStore()

	server, err := srpc.NewServer(srpc.ServerConfig{
		Authorizer: auth.NewVerifier(auth.StaticKey(testSecret)),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	server.Handle(MethodPut, PutHandler(store))

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Shutdown()
		ts.Close()
	})

	client, err := srpc.NewClient(srpc.ClientConfig{
		URL:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/srpc",
		ClientID: "blob-test",
		Secret:   testSecret,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Conn:     srpc.ConnConfig{StreamChunkSize: 512},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	payload := bytes.Repeat([]byte("srpc blob data "), 1000)
	size, err := Put(ctx, client.Conn(), "uploads/data.bin", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", size, len(payload))
	}

	stored, err := store.Get("uploads/data.bin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(stored, payload) {
		t.Error("stored blob differs from payload")
	}
}

func TestPutHandlerValidation(t *testing.T) {
	handler := PutHandler(NewMemoryStore())

	for name, payload := range map[string]string{
		"missing key":    `{"streamId":"s1"}`,
		"missing stream": `{"key":"k"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := handler(context.Background(), nil, []byte(payload))
			if err == nil {
				t.Fatal("handler accepted an invalid request")
			}
			if !srpc.IsUserError(err) {
				t.Errorf("error not flagged as user error: %v", err)
			}
		})
	}
}
