// Package remote talks to a rented machine over SSH with the credentials the
// host agent announced when the session started: it dials, runs commands and
// checks that the machine is reachable and healthy.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout is the default timeout for establishing SSH connections
	DefaultConnectTimeout = 30 * time.Second

	// DefaultCommandTimeout is the default timeout for command execution
	DefaultCommandTimeout = 60 * time.Second
)

// Credentials holds SSH connection details
type Credentials struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte // PEM-encoded private key, used instead of Password when set
}

// Validate checks that the credentials have all required fields
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if c.Password == "" && len(c.PrivateKey) == 0 {
		return fmt.Errorf("password or private key is required")
	}
	return nil
}

// Addr returns host:port
func (c *Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type dialConfig struct {
	connectTimeout  time.Duration
	commandTimeout  time.Duration
	hostKeyCallback ssh.HostKeyCallback
}

// Option configures Dial
type Option func(*dialConfig)

// WithConnectTimeout sets the dial and handshake timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(c *dialConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithCommandTimeout sets the timeout for commands run without a deadline
func WithCommandTimeout(d time.Duration) Option {
	return func(c *dialConfig) {
		if d > 0 {
			c.commandTimeout = d
		}
	}
}

// WithHostKeyCallback sets host key verification
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(c *dialConfig) {
		if cb != nil {
			c.hostKeyCallback = cb
		}
	}
}

// Conn is an established SSH connection to a session's machine
type Conn struct {
	client         *ssh.Client
	creds          Credentials
	commandTimeout time.Duration
}

// Dial connects to the machine described by creds. ctx bounds the dial and
// the handshake.
func Dial(ctx context.Context, creds Credentials, opts ...Option) (*Conn, error) {
	cfg := dialConfig{
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
		// Rented machines are ephemeral and present unknown host keys
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	var auth ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(creds.Password)
	}

	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: cfg.hostKeyCallback,
		Timeout:         cfg.connectTimeout,
	}

	addr := creds.Addr()
	dialer := net.Dialer{Timeout: cfg.connectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	// Abort the handshake if ctx ends first
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Conn{
		client:         ssh.NewClient(sshConn, chans, reqs),
		creds:          creds,
		commandTimeout: cfg.commandTimeout,
	}, nil
}

// Client returns the underlying SSH client
func (c *Conn) Client() *ssh.Client {
	return c.client
}

// Addr returns the host:port this connection was dialed to
func (c *Conn) Addr() string {
	return c.creds.Addr()
}

// Close closes the SSH connection
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Run executes cmd and returns its trimmed stdout and stderr. Without a
// deadline on ctx the command timeout applies.
func (c *Conn) Run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	if c.client == nil {
		return "", "", fmt.Errorf("connection is closed")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.commandTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case runErr := <-done:
		return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), runErr
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", "", fmt.Errorf("command timed out: %w", ctx.Err())
	}
}
