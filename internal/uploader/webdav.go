package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/studio-b12/gowebdav"
)

// WebDAVBackend uploads to a WebDAV server (Nextcloud and friends).
type WebDAVBackend struct {
	name     string
	address  string
	username string
	password string
	basePath string
	log      *slog.Logger

	client    *gowebdav.Client
	connected bool
}

// WebDAVOptions configures a WebDAVBackend.
type WebDAVOptions struct {
	Name     string
	Address  string
	Username string
	Password string
	BasePath string
	Logger   *slog.Logger
}

// NewWebDAV creates a WebDAV backend; Begin establishes the connection.
func NewWebDAV(opts WebDAVOptions) *WebDAVBackend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebDAVBackend{
		name:     opts.Name,
		address:  opts.Address,
		username: opts.Username,
		password: opts.Password,
		basePath: opts.BasePath,
		log:      logger,
	}
}

func (b *WebDAVBackend) Name() string { return b.name }
func (b *WebDAVBackend) Type() string { return "webdav" }

func (b *WebDAVBackend) Begin(ctx context.Context) error {
	client := gowebdav.NewClient(b.address, b.username, b.password)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("webdav connect failed: %w", err)
	}
	b.client = client
	b.connected = true
	b.log.Info("webdav backend connected", "backend", b.name, "address", b.address)
	return nil
}

func (b *WebDAVBackend) IsConnected() bool {
	return b.connected
}

func (b *WebDAVBackend) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	if !b.connected {
		return 0, fmt.Errorf("webdav backend %q not connected", b.name)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// The request timeout bounds a stalled transfer; the wrapped reader
	// catches cancellation between chunks.
	if d, ok := ctx.Deadline(); ok {
		b.client.SetTimeout(time.Until(d))
		defer b.client.SetTimeout(0)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	target := path.Join(b.basePath, remotePath)
	if dir := path.Dir(target); dir != "." && dir != "/" {
		if err := b.client.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create remote dir %s: %w", dir, err)
		}
	}
	if err := b.client.WriteStream(target, &ctxReader{ctx: ctx, r: src}, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", target, err)
	}
	return fi.Size(), nil
}

// ListRemote enumerates a remote directory for verification. A missing
// directory lists as empty.
func (b *WebDAVBackend) ListRemote(ctx context.Context, remoteDir string) ([]RemoteFile, error) {
	if !b.connected {
		return nil, fmt.Errorf("webdav backend %q not connected", b.name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := path.Join(b.basePath, remoteDir)
	infos, err := b.client.ReadDir(dir)
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var out []RemoteFile
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		out = append(out, RemoteFile{Name: fi.Name(), Size: fi.Size()})
	}
	return out, nil
}

func (b *WebDAVBackend) Close() error {
	b.connected = false
	b.client = nil
	return nil
}
