// Package blobstore provides the blob sinks behind the uBlobPut endpoint:
// clients push file contents over an SRPC byte stream and the handler
// drains the stream into a Store.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNotFound is returned when a stored blob does not exist.
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is a write-once blob sink.
type Store interface {
	// Put stores the contents of r under key, replacing any previous blob,
	// and returns the number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
}

// MemoryStore keeps blobs in memory. Intended for tests and local
// development.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.blobs[key] = data
	s.mu.Unlock()
	return int64(len(data)), nil
}

// Get returns a stored blob's contents.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// S3Store stores blobs in an S3 bucket under a key prefix.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := blobstore.NewS3Store(s3.NewFromConfig(cfg), "my-bucket", "blobs/")
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed store writing to bucket with the given
// key prefix.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	// PutObject wants a seekable body for signing, so the blob is
	// buffered. Blob sizes here are bounded by the stream source.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return 0, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return 0, fmt.Errorf("blobstore: s3 put %s: %w", key, err)
	}
	return n, nil
}
