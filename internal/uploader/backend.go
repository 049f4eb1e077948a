// Package uploader defines the backend capability contract and the
// concrete SMB, WebDAV and cloud-import implementations. Backends are
// deliberately dumb: connect, put bytes at a path, report what is
// there. All ordering, gating and bookkeeping lives in the engine.
package uploader

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Backend is one upload destination.
type Backend interface {
	// Name returns the configured instance name.
	Name() string

	// Type returns the backend kind (smb, webdav, cloud).
	Type() string

	// Begin establishes the connection. Called once per session while
	// the controller holds the bus.
	Begin(ctx context.Context) error

	// IsConnected reports whether the backend is usable.
	IsConnected() bool

	// Upload stores the local file at remotePath, creating parent
	// directories as needed, overwriting any existing object. Returns
	// the number of bytes transferred.
	Upload(ctx context.Context, localPath, remotePath string) (int64, error)

	// Close tears the connection down.
	Close() error
}

// RemoteFile is one remote directory entry, used by verification.
type RemoteFile struct {
	Name string
	Size int64
}

// RemoteLister is implemented by backends that can enumerate a remote
// directory. Verification requires at least one such backend.
type RemoteLister interface {
	ListRemote(ctx context.Context, remoteDir string) ([]RemoteFile, error)
}

// SessionBackend is implemented by backends with per-folder import
// sessions that must be finalized after a folder's files land.
type SessionBackend interface {
	// FinalizeFolder completes the import of one folder.
	FinalizeFolder(ctx context.Context, folder string) error
}

// ctxReader propagates context cancellation into a blocking copy loop:
// a transfer streaming through it stops at the next chunk boundary once
// the context ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Registry holds the configured backends. Registration order is upload
// fan-out order.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend. Names must be unique.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Name()]; exists {
		return fmt.Errorf("backend %q already registered", b.Name())
	}
	r.backends[b.Name()] = b
	r.order = append(r.order, b.Name())
	return nil
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// All returns the backends in registration order.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Connected returns the backends currently reporting a usable
// connection, in registration order.
func (r *Registry) Connected() []Backend {
	var out []Backend
	for _, b := range r.All() {
		if b.IsConnected() {
			out = append(out, b)
		}
	}
	return out
}

// BeginAll connects every backend, returning an error only when none
// succeeds. A partially connected registry still uploads; the engine's
// checksum gate catches up the stragglers next session.
func (r *Registry) BeginAll(ctx context.Context) error {
	var lastErr error
	connected := 0
	for _, b := range r.All() {
		if err := b.Begin(ctx); err != nil {
			lastErr = fmt.Errorf("backend %q: %w", b.Name(), err)
			continue
		}
		connected++
	}
	if connected == 0 {
		if lastErr != nil {
			return fmt.Errorf("no backend reachable: %w", lastErr)
		}
		return fmt.Errorf("no backends registered")
	}
	return nil
}

// CloseAll closes every backend, returning the first error.
func (r *Registry) CloseAll() error {
	var firstErr error
	for _, b := range r.All() {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
