package uploader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"
)

// SMBBackend uploads to an SMB/CIFS share (typically a local NAS).
type SMBBackend struct {
	name     string
	address  string // host:port
	share    string
	username string
	password string
	basePath string
	log      *slog.Logger

	conn    net.Conn
	session *smb2.Session
	fs      *smb2.Share
}

// SMBOptions configures an SMBBackend.
type SMBOptions struct {
	Name     string
	Address  string
	Share    string
	Username string
	Password string
	BasePath string
	Logger   *slog.Logger
}

// NewSMB creates an SMB backend; Begin establishes the connection.
func NewSMB(opts SMBOptions) *SMBBackend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SMBBackend{
		name:     opts.Name,
		address:  opts.Address,
		share:    opts.Share,
		username: opts.Username,
		password: opts.Password,
		basePath: opts.BasePath,
		log:      logger,
	}
}

func (b *SMBBackend) Name() string { return b.name }
func (b *SMBBackend) Type() string { return "smb" }

func (b *SMBBackend) Begin(ctx context.Context) error {
	addr := b.address
	if !strings.Contains(addr, ":") {
		addr += ":445"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     b.username,
			Password: b.password,
		},
	}
	session, err := dialer.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smb negotiation failed: %w", err)
	}
	fs, err := session.Mount(b.share)
	if err != nil {
		session.Logoff()
		conn.Close()
		return fmt.Errorf("failed to mount share %q: %w", b.share, err)
	}

	b.conn = conn
	b.session = session
	b.fs = fs
	b.log.Info("smb backend connected", "backend", b.name, "share", b.share)
	return nil
}

func (b *SMBBackend) IsConnected() bool {
	return b.fs != nil
}

// remote converts a slash path under the base path into SMB separators.
func (b *SMBBackend) remote(p string) string {
	full := path.Join(b.basePath, p)
	return strings.ReplaceAll(strings.TrimPrefix(full, "/"), "/", `\`)
}

func (b *SMBBackend) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	if b.fs == nil {
		return 0, fmt.Errorf("smb backend %q not connected", b.name)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// A stalled TCP transfer would otherwise hold the bus past every
	// deadline: poke the connection the moment the context ends so the
	// blocked write fails instead of hanging.
	watchStop := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			b.conn.SetDeadline(time.Now())
		case <-watchStop:
		}
	}()
	defer func() {
		close(watchStop)
		<-watchDone
		b.conn.SetDeadline(time.Time{})
	}()

	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	target := b.remote(remotePath)
	if dir := path.Dir(path.Join(b.basePath, remotePath)); dir != "." && dir != "/" {
		smbDir := strings.ReplaceAll(strings.TrimPrefix(dir, "/"), "/", `\`)
		if err := b.fs.MkdirAll(smbDir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create remote dir %s: %w", smbDir, err)
		}
	}

	dst, err := b.fs.Create(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", target, err)
	}
	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", target, err)
	}
	return n, nil
}

// ListRemote enumerates a remote directory for verification. A missing
// directory lists as empty.
func (b *SMBBackend) ListRemote(ctx context.Context, remoteDir string) ([]RemoteFile, error) {
	if b.fs == nil {
		return nil, fmt.Errorf("smb backend %q not connected", b.name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := b.remote(remoteDir)
	infos, err := b.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
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

func (b *SMBBackend) Close() error {
	var firstErr error
	if b.fs != nil {
		if err := b.fs.Umount(); err != nil {
			firstErr = err
		}
		b.fs = nil
	}
	if b.session != nil {
		if err := b.session.Logoff(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.session = nil
	}
	if b.conn != nil {
		b.conn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.conn = nil
	}
	return firstErr
}
