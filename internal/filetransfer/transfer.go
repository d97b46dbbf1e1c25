// Package filetransfer copies files to and from a rented GPU over SFTP, using
// the SSH credentials the host agent announced when the session started.
package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/labhya/labhya/internal/remote"
	"github.com/labhya/labhya/pkg/models"
)

// DefaultConnectTimeout is the default timeout for establishing SSH connections
const DefaultConnectTimeout = remote.DefaultConnectTimeout

// ErrSessionNotActive is returned for sessions that have no live machine
var ErrSessionNotActive = errors.New("session is not active")

// Credentials holds SSH connection details for file transfer
type Credentials = remote.Credentials

// FromSession extracts credentials from an ACTIVE session. Fields missing
// from the session are taken from its ssh_connection_string.
func FromSession(s *models.Session) (Credentials, error) {
	return fromSession(s, nil)
}

// FromSessionKey is FromSession authenticating with a PEM private key
// instead of the session password
func FromSessionKey(s *models.Session, key []byte) (Credentials, error) {
	return fromSession(s, key)
}

func fromSession(s *models.Session, key []byte) (Credentials, error) {
	if s.Status != models.StatusActive {
		return Credentials{}, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, s.ID, s.Status)
	}

	creds := Credentials{
		Host:     s.SSHHost,
		Port:     s.SSHPort,
		User:     s.SSHUsername,
		Password: s.SSHPassword,
	}

	if s.SSHConnectionString != "" {
		user, host, port := parseConnectionString(s.SSHConnectionString)
		if creds.Host == "" {
			creds.Host = host
		}
		if creds.User == "" {
			creds.User = user
		}
		if creds.Port == 0 {
			creds.Port = port
		}
	}
	if creds.Port == 0 {
		creds.Port = 22
	}
	if len(key) > 0 {
		creds.Password = ""
		creds.PrivateKey = key
	}

	if err := creds.Validate(); err != nil {
		return Credentials{}, fmt.Errorf("session %s has no usable ssh credentials: %w", s.ID, err)
	}
	return creds, nil
}

// parseConnectionString reads "ssh [-p port] user@host [-p port]"
func parseConnectionString(conn string) (user, host string, port int) {
	fields := strings.Fields(conn)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "ssh":
		case f == "-p" && i+1 < len(fields):
			port, _ = strconv.Atoi(fields[i+1])
			i++
		case strings.HasPrefix(f, "-p"):
			port, _ = strconv.Atoi(strings.TrimPrefix(f, "-p"))
		case strings.Contains(f, "@"):
			user, host, _ = strings.Cut(f, "@")
		}
	}
	return user, host, port
}

// Transfer handles file transfers over SSH/SFTP
type Transfer struct {
	creds           Credentials
	connectTimeout  time.Duration
	hostKeyCallback ssh.HostKeyCallback
}

// Option configures a Transfer instance
type Option func(*Transfer)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transfer) {
		t.connectTimeout = d
	}
}

// WithHostKeyCallback sets host key verification
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(t *Transfer) {
		t.hostKeyCallback = cb
	}
}

// New creates a new Transfer instance with the given credentials
func New(creds Credentials, opts ...Option) *Transfer {
	t := &Transfer{
		creds:          creds,
		connectTimeout: DefaultConnectTimeout,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Upload copies a local file to the remote session and returns the bytes written
func (t *Transfer) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	if localPath == "" {
		return 0, fmt.Errorf("local path cannot be empty")
	}
	if remotePath == "" {
		return 0, fmt.Errorf("remote path cannot be empty")
	}

	localInfo, err := os.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat local file: %w", err)
	}
	if localInfo.IsDir() {
		return 0, fmt.Errorf("local path is a directory, not a file")
	}

	var written int64
	err = t.withSFTP(ctx, func(sc *sftp.Client) error {
		localFile, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open local file: %w", err)
		}
		defer localFile.Close()

		// Remote paths are always slash separated
		if dir := path.Dir(remotePath); dir != "." && dir != "/" {
			_ = sc.MkdirAll(dir)
		}

		remoteFile, err := sc.Create(remotePath)
		if err != nil {
			return fmt.Errorf("failed to create remote file: %w", err)
		}
		defer remoteFile.Close()

		written, err = copyContext(ctx, remoteFile, localFile)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		return nil
	})
	return written, err
}

// Download copies a remote file to the local filesystem and returns the
// bytes read. A partial local file is removed on failure.
func (t *Transfer) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	if remotePath == "" {
		return 0, fmt.Errorf("remote path cannot be empty")
	}
	if localPath == "" {
		return 0, fmt.Errorf("local path cannot be empty")
	}

	var read int64
	err := t.withSFTP(ctx, func(sc *sftp.Client) error {
		remoteFile, err := sc.Open(remotePath)
		if err != nil {
			return fmt.Errorf("failed to open remote file: %w", err)
		}
		defer remoteFile.Close()

		if dir := filepath.Dir(localPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create local directory: %w", err)
			}
		}

		localFile, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("failed to create local file: %w", err)
		}

		read, err = copyContext(ctx, localFile, remoteFile)
		closeErr := localFile.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(localPath)
			return fmt.Errorf("download failed: %w", err)
		}
		return nil
	})
	return read, err
}

// ListRemoteDir lists files in a remote directory
func (t *Transfer) ListRemoteDir(ctx context.Context, remotePath string) ([]os.FileInfo, error) {
	if remotePath == "" {
		return nil, fmt.Errorf("remote path cannot be empty")
	}

	var files []os.FileInfo
	err := t.withSFTP(ctx, func(sc *sftp.Client) error {
		var err error
		files, err = sc.ReadDir(remotePath)
		if err != nil {
			return fmt.Errorf("failed to read remote directory: %w", err)
		}
		return nil
	})
	return files, err
}

// RemoteFileExists checks if a file exists on the remote host
func (t *Transfer) RemoteFileExists(ctx context.Context, remotePath string) (bool, error) {
	if remotePath == "" {
		return false, fmt.Errorf("remote path cannot be empty")
	}

	var exists bool
	err := t.withSFTP(ctx, func(sc *sftp.Client) error {
		_, err := sc.Stat(remotePath)
		if err == nil {
			exists = true
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat remote file: %w", err)
	})
	return exists, err
}

func (t *Transfer) withSFTP(ctx context.Context, fn func(*sftp.Client) error) error {
	conn, err := remote.Dial(ctx, t.creds,
		remote.WithConnectTimeout(t.connectTimeout),
		remote.WithHostKeyCallback(t.hostKeyCallback))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	sc, err := sftp.NewClient(conn.Client())
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sc.Close()

	return fn(sc)
}

// copyContext copies src to dst, stopping at the next chunk once ctx ends
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
