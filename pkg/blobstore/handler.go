package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/srpc-dev/srpc/pkg/srpc"
)

// MethodPut is the method tag for blob uploads.
const MethodPut = "uBlobPut"

// PutRequest asks the server to drain the byte stream with the given id
// into the store under Key. The client opens the stream, sends the request,
// and writes the contents concurrently.
type PutRequest struct {
	Key      string `json:"key"`
	StreamID string `json:"streamId"`
}

// PutResponse reports the stored size.
type PutResponse struct {
	Size int64 `json:"size"`
}

// PutHandler returns the uBlobPut handler: accept the named byte stream,
// copy it into store, reply with the byte count. Stream errors (destroy,
// disconnect) fail the request.
func PutHandler(store Store) srpc.Handler {
	return srpc.Typed(func(ctx context.Context, c *srpc.Conn, req PutRequest) (PutResponse, error) {
		if req.Key == "" {
			return PutResponse{}, srpc.UserError(fmt.Errorf("key required"))
		}
		if req.StreamID == "" {
			return PutResponse{}, srpc.UserError(fmt.Errorf("streamId required"))
		}

		r, err := c.AcceptStream(req.StreamID)
		if err != nil {
			return PutResponse{}, srpc.UserError(err)
		}

		n, err := store.Put(ctx, req.Key, r)
		if err != nil {
			return PutResponse{}, err
		}
		return PutResponse{Size: n}, nil
	})
}

// Put uploads the contents of src to the peer's blob store under key,
// streaming concurrently with the uBlobPut request, and returns the size
// the peer reports.
func Put(ctx context.Context, c *srpc.Conn, key string, src io.Reader) (int64, error) {
	w := c.OpenStream()

	copyErr := make(chan error, 1)
	go func() {
		if _, err := io.Copy(w, src); err != nil {
			_ = w.Destroy()
			copyErr <- err
			return
		}
		copyErr <- w.Close()
	}()

	var resp PutResponse
	if err := c.Invoke(ctx, MethodPut, PutRequest{Key: key, StreamID: w.ID()}, &resp); err != nil {
		_ = w.Destroy()
		<-copyErr
		return 0, err
	}
	if err := <-copyErr; err != nil {
		return 0, err
	}
	return resp.Size, nil
}
