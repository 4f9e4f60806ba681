package srpc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/srpc-dev/srpc/pkg/auth"
	"github.com/srpc-dev/srpc/pkg/protocol"
)

const testSecret = "test-secret"

type echoRequest struct {
	Message string `json:"message"`
}

type echoResponse struct {
	Message string `json:"message"`
}

type digestRequest struct {
	StreamID string `json:"streamId"`
}

type digestResponse struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Authorizer == nil {
		cfg.Authorizer = auth.NewVerifier(auth.StaticKey(testSecret))
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/srpc"
}

func newTestClient(t *testing.T, ts *httptest.Server, cfg ClientConfig) *Client {
	t.Helper()
	cfg.URL = wsURL(ts)
	if cfg.ClientID == "" {
		cfg.ClientID = "test-client"
	}
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}

func connect(t *testing.T, client *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func registerEcho(t *testing.T, srv *Server) {
	t.Helper()
	err := srv.Handle("uEcho", Typed(func(ctx context.Context, c *Conn, req echoRequest) (echoResponse, error) {
		return echoResponse{Message: "Echo: " + req.Message}, nil
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func waitRegistry(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Registry().Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("registry size = %d, want %d", srv.Registry().Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	registerEcho(t, srv)

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	var resp echoResponse
	if err := client.Invoke(context.Background(), "uEcho", echoRequest{Message: "Hello, SRPC!"}, &resp); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Message != "Echo: Hello, SRPC!" {
		t.Errorf("Message = %q, want %q", resp.Message, "Echo: Hello, SRPC!")
	}
}

func TestConcurrentInvokes(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	registerEcho(t, srv)

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	const n = 10
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			msg := fmt.Sprintf("msg-%d", i)
			var resp echoResponse
			if err := client.Invoke(context.Background(), "uEcho", echoRequest{Message: msg}, &resp); err != nil {
				errCh <- err
				return
			}
			if resp.Message != "Echo: "+msg {
				errCh <- fmt.Errorf("got %q for %q", resp.Message, msg)
				return
			}
			errCh <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Error(err)
		}
	}

	if count := client.Conn().pending.count(); count != 0 {
		t.Errorf("pending count = %d, want 0", count)
	}
}

func TestInvokeTimeout(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	srv.Handle("uSlow", func(ctx context.Context, c *Conn, payload []byte) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return map[string]string{"message": "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.Invoke(ctx, "uSlow", nil, nil)
	if !errors.Is(err, ErrInvokeTimeout) {
		t.Fatalf("Invoke error = %v, want ErrInvokeTimeout", err)
	}
	if count := client.Conn().pending.count(); count != 0 {
		t.Errorf("pending count after timeout = %d, want 0", count)
	}
}

func TestInvokeBeforeConnect(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client := newTestClient(t, ts, ClientConfig{})

	err := client.Invoke(context.Background(), "uEcho", nil, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Invoke error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	srv.Handle("uBlock", func(ctx context.Context, c *Conn, payload []byte) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errCh <- client.Invoke(ctx, "uBlock", nil, nil)
	}()

	time.Sleep(100 * time.Millisecond)
	client.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Invoke error = %v, want ErrDisconnected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending invoke not rejected after disconnect")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	registerEcho(t, srv)

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	client.Disconnect()
	client.Disconnect()
	client.Disconnect()

	if err := client.Invoke(context.Background(), "uEcho", echoRequest{}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Invoke after disconnect = %v, want ErrNotConnected", err)
	}
	if err := client.Connect(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Connect after disconnect = %v, want ErrClientClosed", err)
	}
}

func TestServerInvokesClient(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})

	client := newTestClient(t, ts, ClientConfig{})
	client.Handle("uNotify", Typed(func(ctx context.Context, c *Conn, req echoRequest) (echoResponse, error) {
		return echoResponse{Message: "client saw: " + req.Message}, nil
	}))
	connect(t, client)
	waitRegistry(t, srv, 1)

	conn := srv.Registry().List()[0]
	var resp echoResponse
	if err := conn.Invoke(context.Background(), "uNotify", echoRequest{Message: "ping"}, &resp); err != nil {
		t.Fatalf("server Invoke: %v", err)
	}
	if resp.Message != "client saw: ping" {
		t.Errorf("Message = %q", resp.Message)
	}
}

func TestUserErrorFlag(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	srv.Handle("uReject", func(ctx context.Context, c *Conn, payload []byte) (any, error) {
		return nil, UserError(errors.New("quota exceeded"))
	})
	srv.Handle("uFault", func(ctx context.Context, c *Conn, payload []byte) (any, error) {
		return nil, errors.New("db down")
	})

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	err := client.Invoke(context.Background(), "uReject", nil, nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Invoke error = %v, want *RemoteError", err)
	}
	if re.Message != "quota exceeded" || !re.User || re.Method != "uReject" {
		t.Errorf("RemoteError = %+v", re)
	}
	if !IsUserError(err) {
		t.Error("IsUserError = false for user-flagged remote error")
	}

	err = client.Invoke(context.Background(), "uFault", nil, nil)
	if !errors.As(err, &re) {
		t.Fatalf("Invoke error = %v, want *RemoteError", err)
	}
	if re.User || IsUserError(err) {
		t.Error("internal fault reported as user error")
	}
}

func TestUnhandledMethod(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	err := client.Invoke(context.Background(), "uNoSuchThing", nil, nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Invoke error = %v, want *RemoteError", err)
	}
	if re.Message != unhandledMessage {
		t.Errorf("Message = %q, want %q", re.Message, unhandledMessage)
	}
}

func TestHandlerPanicDoesNotKillConnection(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	registerEcho(t, srv)
	srv.Handle("uPanic", func(ctx context.Context, c *Conn, payload []byte) (any, error) {
		panic("boom")
	})

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	err := client.Invoke(context.Background(), "uPanic", nil, nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Invoke error = %v, want *RemoteError", err)
	}

	// The connection survives and still serves requests.
	var resp echoResponse
	if err := client.Invoke(context.Background(), "uEcho", echoRequest{Message: "still here"}, &resp); err != nil {
		t.Fatalf("Invoke after panic: %v", err)
	}
}

func TestByteStreamRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	srv.Handle("uDigest", Typed(func(ctx context.Context, c *Conn, req digestRequest) (digestResponse, error) {
		r, err := c.AcceptStream(req.StreamID)
		if err != nil {
			return digestResponse{}, err
		}
		h := sha256.New()
		n, err := io.Copy(h, r)
		if err != nil {
			return digestResponse{}, err
		}
		return digestResponse{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
	}))

	// A small chunk size forces the payload across many frames.
	client := newTestClient(t, ts, ClientConfig{Conn: ConnConfig{StreamChunkSize: 1024}})
	connect(t, client)

	data := make([]byte, 64*1024)
	rand.Read(data)
	wantSum := sha256.Sum256(data)

	conn := client.Conn()
	w := conn.OpenStream()

	writeErr := make(chan error, 1)
	go func() {
		if _, err := w.Write(data); err != nil {
			writeErr <- err
			return
		}
		writeErr <- w.Close()
	}()

	var resp digestResponse
	if err := conn.Invoke(context.Background(), "uDigest", digestRequest{StreamID: w.ID()}, &resp); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("stream write: %v", err)
	}

	if resp.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", resp.Size, len(data))
	}
	if resp.SHA256 != hex.EncodeToString(wantSum[:]) {
		t.Errorf("SHA256 mismatch: got %s", resp.SHA256)
	}
}

func TestByteStreamDestroy(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	srv.Handle("uDigest", Typed(func(ctx context.Context, c *Conn, req digestRequest) (digestResponse, error) {
		r, err := c.AcceptStream(req.StreamID)
		if err != nil {
			return digestResponse{}, err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return digestResponse{}, err
		}
		return digestResponse{}, nil
	}))

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	conn := client.Conn()
	w := conn.OpenStream()
	if _, err := w.Write(make([]byte, 4096)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	err := conn.Invoke(context.Background(), "uDigest", digestRequest{StreamID: w.ID()}, nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Invoke error = %v, want *RemoteError", err)
	}
	if !strings.Contains(re.Message, "destroyed") {
		t.Errorf("Message = %q, want a destroy report", re.Message)
	}
}

func TestByteStreamSingleAccept(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	srv.Handle("uAcceptTwice", Typed(func(ctx context.Context, c *Conn, req digestRequest) (map[string]bool, error) {
		r, err := c.AcceptStream(req.StreamID)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		_, second := c.AcceptStream(req.StreamID)
		return map[string]bool{"secondRejected": errors.Is(second, ErrStreamConsumed)}, nil
	}))

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	conn := client.Conn()
	w := conn.OpenStream()
	if _, err := w.Write([]byte("once")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var resp map[string]bool
	if err := conn.Invoke(context.Background(), "uAcceptTwice", digestRequest{StreamID: w.ID()}, &resp); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !resp["secondRejected"] {
		t.Error("second accept was not rejected")
	}
}

func TestWriterAfterTerminal(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	registerEcho(t, srv)

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)

	w := client.Conn().OpenStream()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := w.Write([]byte("late")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write after Close = %v, want ErrStreamClosed", err)
	}
	if err := w.Destroy(); err != nil {
		t.Errorf("Destroy after Close = %v, want nil", err)
	}
}

func TestBroadcast(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})

	got := make(chan string, 4)
	for i := 0; i < 2; i++ {
		client := newTestClient(t, ts, ClientConfig{ClientID: fmt.Sprintf("client-%d", i)})
		client.Handle("uNotify", Typed(func(ctx context.Context, c *Conn, req echoRequest) (echoResponse, error) {
			got <- req.Message
			return echoResponse{}, nil
		}))
		connect(t, client)
	}
	waitRegistry(t, srv, 2)

	srv.Broadcast(context.Background(), "uNotify", echoRequest{Message: "fan-out"})

	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			if msg != "fan-out" {
				t.Errorf("broadcast payload = %q", msg)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("broadcast not delivered to all clients")
		}
	}
}

func TestRegistryListeners(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})

	connected := make(chan *Conn, 1)
	disconnected := make(chan string, 1)
	srv.Registry().OnConnect(func(c *Conn) { connected <- c })
	srv.Registry().OnDisconnect(func(c *Conn, cause string) { disconnected <- cause })

	client := newTestClient(t, ts, ClientConfig{ClientID: "listener-client"})
	connect(t, client)

	select {
	case c := <-connected:
		if c.ClientID != "listener-client" {
			t.Errorf("ClientID = %q", c.ClientID)
		}
		if c.Meta("region") != "" {
			t.Errorf("unexpected meta: %q", c.Meta("region"))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connect listener not invoked")
	}

	client.Disconnect()

	select {
	case cause := <-disconnected:
		// The close frame usually lands, but the client tears the socket
		// down right behind it.
		if cause != CauseRemoteClose && cause != CauseSocketError {
			t.Errorf("cause = %q, want %q", cause, CauseRemoteClose)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect listener not invoked")
	}
}

func TestConnectionMeta(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})

	client := newTestClient(t, ts, ClientConfig{
		Meta: map[string]string{"region": "eu", "role": "worker"},
	})
	connect(t, client)
	waitRegistry(t, srv, 1)

	conn := srv.Registry().List()[0]
	if conn.Meta("region") != "eu" || conn.Meta("role") != "worker" {
		t.Errorf("meta region=%q role=%q", conn.Meta("region"), conn.Meta("role"))
	}
}

func TestReconnect(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	registerEcho(t, srv)

	established := make(chan *Conn, 4)
	client := newTestClient(t, ts, ClientConfig{
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	})
	client.OnEstablished(func(c *Conn) { established <- c })
	connect(t, client)

	first := <-established
	waitRegistry(t, srv, 1)

	// Kill the connection server-side; the client must come back on its own.
	srv.Registry().List()[0].Close(CauseSocketError)

	select {
	case second := <-established:
		if second.ID == first.ID {
			t.Error("reconnect reused the previous stream id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}

	var resp echoResponse
	if err := client.Invoke(context.Background(), "uEcho", echoRequest{Message: "back"}, &resp); err != nil {
		t.Fatalf("Invoke after reconnect: %v", err)
	}
}

func TestPongTimeoutWatchdog(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{
		Conn: ConnConfig{PongTimeout: 150 * time.Millisecond},
	})

	disconnected := make(chan string, 1)
	srv.Registry().OnDisconnect(func(c *Conn, cause string) { disconnected <- cause })

	// Heartbeats far apart, so the server watchdog fires first.
	client := newTestClient(t, ts, ClientConfig{
		Conn:         ConnConfig{HeartbeatInterval: time.Hour},
		ReconnectMin: time.Hour,
	})
	connect(t, client)

	select {
	case cause := <-disconnected:
		if cause != CausePongTimeout {
			t.Errorf("cause = %q, want %q", cause, CausePongTimeout)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog did not close the silent connection")
	}
}

func TestAuthWrongSecretRejected(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})

	client := newTestClient(t, ts, ClientConfig{
		Secret:       "wrong-secret",
		ReconnectMin: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := client.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded with a wrong secret")
	}
	if srv.Registry().Len() != 0 {
		t.Errorf("registry size = %d, want 0", srv.Registry().Len())
	}
}

func TestAuthMissingParamsGets401(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/srpc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("401 body = %q, want empty", body)
	}
}

func TestUnmatchedPathGets400(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/somewhere-else")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	// The rejection also terminates the underlying connection instead of
	// leaving it open for keep-alive reuse.
	if !resp.Close && resp.Header.Get("Connection") != "close" {
		t.Error("400 response did not close the connection")
	}
}

// dialRaw opens a bare WebSocket with valid credentials and completes the
// handshake by answering the server's opening ping, for tests that need to
// put arbitrary bytes on the wire.
func dialRaw(t *testing.T, ts *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()

	params := auth.NewParams(clientID, newID(), "test", nil)
	params.Signature = auth.Sign(testSecret, params)
	u, err := url.Parse(wsURL(ts))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	u.RawQuery = params.Values().Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read opening ping: %v", err)
	}
	env, err := protocol.Decode(msg)
	if err != nil || env.Kind != protocol.KindPing {
		t.Fatalf("opening frame = %v (decode err %v), want ping", env, err)
	}
	pong := protocol.NewPing(uint64(time.Now().UnixMilli()))
	if err := ws.WriteMessage(websocket.BinaryMessage, pong.Encode()); err != nil {
		t.Fatalf("write handshake reply: %v", err)
	}
	return ws
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	registerEcho(t, srv)

	ws := dialRaw(t, ts, "raw-client")

	// Garbage first: an unknown envelope kind that cannot decode.
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0x13, 0x37}); err != nil {
		t.Fatalf("write garbage frame: %v", err)
	}

	req := protocol.NewRequest("req-1", "uEcho", []byte(`{"message":"still alive"}`))
	if err := ws.WriteMessage(websocket.BinaryMessage, req.Encode()); err != nil {
		t.Fatalf("write request: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("connection died after a single malformed frame: %v", err)
		}
		env, err := protocol.Decode(msg)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if env.Kind != protocol.KindReply || env.RequestID != "req-1" {
			// Server pongs interleave with the reply.
			continue
		}
		if env.Error != "" {
			t.Fatalf("error reply: %s", env.Error)
		}
		if !strings.Contains(string(env.Payload), "Echo: still alive") {
			t.Errorf("reply payload = %s", env.Payload)
		}
		return
	}
}

func TestConsecutiveDecodeFailuresCloseConnection(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})

	disconnected := make(chan string, 1)
	srv.Registry().OnDisconnect(func(c *Conn, cause string) { disconnected <- cause })

	ws := dialRaw(t, ts, "raw-client")

	for i := 0; i < DefaultConnConfig().MaxDecodeFailures; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0xFF}); err != nil {
			// The server may tear the socket down while we are still
			// writing the tail of the burst.
			break
		}
	}

	select {
	case cause := <-disconnected:
		if cause != CauseDecodeFailures {
			t.Errorf("cause = %q, want %q", cause, CauseDecodeFailures)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connection survived repeated malformed frames")
	}

	// The raw side observes the close too.
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, ts := newTestServer(t, ServerConfig{
		Observers: []Observer{NewMetrics(reg, "srpc")},
	})
	registerEcho(t, srv)

	client := newTestClient(t, ts, ClientConfig{})
	connect(t, client)
	waitRegistry(t, srv, 1)

	var resp echoResponse
	if err := client.Invoke(context.Background(), "uEcho", echoRequest{Message: "count me"}, &resp); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"srpc_connections_active", "srpc_connections_total", "srpc_envelopes_total"} {
		if !found[name] {
			t.Errorf("metric %s not collected", name)
		}
	}
}
