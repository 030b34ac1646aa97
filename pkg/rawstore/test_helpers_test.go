package rawstore_test

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/illmade-knight/go-campaignflow/pkg/rawstore"
)

// mockGCSWriter writes to an in-memory buffer. closeErr simulates a failed
// upload finalisation.
type mockGCSWriter struct {
	attrs    rawstore.ObjectAttrs
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	closeErr error
}

func (m *mockGCSWriter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return m.closeErr
}

func (m *mockGCSWriter) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf.Bytes()...)
}

type mockGCSObjectHandle struct {
	name     string
	bucket   *mockGCSBucketHandle
	closeErr error
}

func (m *mockGCSObjectHandle) NewWriter(_ context.Context, attrs rawstore.ObjectAttrs) rawstore.GCSWriter {
	w := &mockGCSWriter{attrs: attrs, closeErr: m.closeErr}
	m.bucket.mu.Lock()
	m.bucket.writers[m.name] = w
	m.bucket.mu.Unlock()
	return w
}

// mockGCSBucketHandle keeps the last writer opened for each object name.
type mockGCSBucketHandle struct {
	mu      sync.Mutex
	writers map[string]*mockGCSWriter
	failFor map[string]bool
}

func (m *mockGCSBucketHandle) Object(name string) rawstore.GCSObjectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &mockGCSObjectHandle{name: name, bucket: m}
	if m.failFor[name] {
		h.closeErr = errors.New("upload rejected")
	}
	return h
}

func (m *mockGCSBucketHandle) objects() map[string]*mockGCSWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*mockGCSWriter, len(m.writers))
	for k, v := range m.writers {
		out[k] = v
	}
	return out
}

type mockGCSClient struct {
	bucket *mockGCSBucketHandle
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{bucket: &mockGCSBucketHandle{
		writers: make(map[string]*mockGCSWriter),
		failFor: make(map[string]bool),
	}}
}

func (m *mockGCSClient) Bucket(_ string) rawstore.GCSBucketHandle {
	return m.bucket
}
