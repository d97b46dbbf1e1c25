package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/labhya/labhya/internal/agent/gpumon"
)

// exitStatus is the payload of an ssh "exit-status" request
type exitStatus struct {
	Status uint32
}

// startExecServer runs an in-process SSH server that answers exec requests
// from replies; commands without a reply exit 127
func startExecServer(t *testing.T, user, password string, replies map[string]string) (string, int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveExec(nc, cfg, replies)
		}
	}()

	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

func serveExec(nc net.Conn, cfg *ssh.ServerConfig, replies map[string]string) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" || len(req.Payload) < 4 {
					req.Reply(false, nil)
					continue
				}
				n := int(binary.BigEndian.Uint32(req.Payload[:4]))
				if 4+n > len(req.Payload) {
					req.Reply(false, nil)
					continue
				}
				cmd := string(req.Payload[4 : 4+n])
				req.Reply(true, nil)

				status := uint32(0)
				if out, ok := replies[cmd]; ok {
					fmt.Fprint(ch, out)
				} else {
					fmt.Fprintf(ch.Stderr(), "%s: command not found", cmd)
					status = 127
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{status}))
				return
			}
		}()
	}
}

const (
	nvidiaOutput = "87, 20480, 24576, 71\n"
	dfOutput     = `Filesystem     1G-blocks  Used Available Use% Mounted on
/dev/sda1           100G   45G       50G  45% /
/dev/sdb1           500G  480G       20G  96% /data`
	oomOutput = `[Thu Feb  6 12:34:56 2026] Out of memory: Killed process 1234 (python3) total-vm:12345kB
[Thu Feb  6 12:35:10 2026] Killed process 1300 (python3) total-vm:999kB`
)

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name   string
		creds  Credentials
		errMsg string
	}{
		{"valid password", Credentials{Host: "example.com", Port: 22, User: "renter", Password: "pw"}, ""},
		{"valid key", Credentials{Host: "example.com", Port: 22, User: "renter", PrivateKey: []byte("key")}, ""},
		{"empty host", Credentials{Port: 22, User: "renter", Password: "pw"}, "host cannot be empty"},
		{"zero port", Credentials{Host: "example.com", User: "renter", Password: "pw"}, "port must be between 1 and 65535"},
		{"port too high", Credentials{Host: "example.com", Port: 70000, User: "renter", Password: "pw"}, "port must be between 1 and 65535"},
		{"empty user", Credentials{Host: "example.com", Port: 22, Password: "pw"}, "user cannot be empty"},
		{"no secret", Credentials{Host: "example.com", Port: 22, User: "renter"}, "password or private key is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestDial_Run(t *testing.T) {
	host, port := startExecServer(t, "renter", "s3cret", map[string]string{"echo ok": "ok\n"})

	conn, err := Dial(context.Background(), Credentials{Host: host, Port: port, User: "renter", Password: "s3cret"})
	require.NoError(t, err)
	defer conn.Close()

	out, _, err := conn.Run(context.Background(), "echo ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, stderr, err := conn.Run(context.Background(), "reboot")
	require.Error(t, err)
	assert.Contains(t, stderr, "command not found")

	require.NoError(t, conn.Close())
	_, _, err = conn.Run(context.Background(), "echo ok")
	assert.EqualError(t, err, "connection is closed")
}

func TestDial_Errors(t *testing.T) {
	host, port := startExecServer(t, "renter", "s3cret", nil)

	t.Run("wrong password", func(t *testing.T) {
		_, err := Dial(context.Background(), Credentials{Host: host, Port: port, User: "renter", Password: "nope"},
			WithConnectTimeout(5*time.Second))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ssh handshake")
	})

	t.Run("invalid credentials", func(t *testing.T) {
		_, err := Dial(context.Background(), Credentials{Host: host, Port: port})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid credentials")
	})

	t.Run("bad private key", func(t *testing.T) {
		_, err := Dial(context.Background(), Credentials{Host: host, Port: port, User: "renter", PrivateKey: []byte("junk")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse private key")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Dial(ctx, Credentials{Host: host, Port: port, User: "renter", Password: "s3cret"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCheck(t *testing.T) {
	t.Run("healthy machine", func(t *testing.T) {
		host, port := startExecServer(t, "renter", "s3cret", map[string]string{
			"echo ok":           "ok\n",
			gpumon.QueryCommand: nvidiaOutput,
			DiskCommand:         "/dev/sda1 100G 45G 50G 45% /\n",
			OOMCommand:          "",
		})
		conn, err := Dial(context.Background(), Credentials{Host: host, Port: port, User: "renter", Password: "s3cret"})
		require.NoError(t, err)
		defer conn.Close()

		report, err := Check(context.Background(), conn)
		require.NoError(t, err)
		assert.True(t, report.Reachable)
		require.NotNil(t, report.GPU)
		assert.Equal(t, 87.0, report.GPU.UtilizationPct)
		assert.Equal(t, 24576, report.GPU.MemoryTotalMB)
		require.NotNil(t, report.Disk)
		assert.Equal(t, 50.0, report.Disk.AvailableGB())
		assert.Empty(t, report.KilledProcs)
		assert.True(t, report.Healthy())
	})

	t.Run("no gpu, full disk, oom", func(t *testing.T) {
		host, port := startExecServer(t, "renter", "s3cret", map[string]string{
			"echo ok":   "ok\n",
			DiskCommand: dfOutput,
			OOMCommand:  oomOutput,
		})
		conn, err := Dial(context.Background(), Credentials{Host: host, Port: port, User: "renter", Password: "s3cret"})
		require.NoError(t, err)
		defer conn.Close()

		report, err := Check(context.Background(), conn)
		require.NoError(t, err)
		assert.True(t, report.Reachable)
		assert.Nil(t, report.GPU)
		assert.Contains(t, report.GPUError, "command not found")
		assert.True(t, report.Disk.IsLow())
		assert.Equal(t, []string{"python3"}, report.KilledProcs)
		assert.False(t, report.Healthy())
	})
}

func TestParseDiskOutput(t *testing.T) {
	status := ParseDiskOutput(dfOutput + "\ngarbage line\n")
	require.Len(t, status.Mounts, 2)
	assert.Equal(t, Mount{Filesystem: "/dev/sda1", TotalGB: 100, UsedGB: 45, AvailGB: 50, UsePct: 45, MountPoint: "/"}, status.Mounts[0])
	assert.Equal(t, 96, status.Mounts[1].UsePct)
	assert.True(t, status.IsLow())
	assert.Equal(t, 50.0, status.AvailableGB())

	noRoot := ParseDiskOutput("/dev/sdb1 500G 100G 400G 20% /data\n/dev/sdc1 50G 10G 40G 20% /scratch")
	assert.Equal(t, 400.0, noRoot.AvailableGB())
	assert.False(t, noRoot.IsLow())

	assert.Empty(t, ParseDiskOutput("").Mounts)
}

func TestWaiter_WaitReachable(t *testing.T) {
	host, port := startExecServer(t, "renter", "s3cret", map[string]string{"echo ok": "ok"})

	t.Run("reachable", func(t *testing.T) {
		w := NewWaiter(WithWaitTimeout(5*time.Second), WithRetryInterval(10*time.Millisecond))
		conn, err := w.WaitReachable(context.Background(), Credentials{Host: host, Port: port, User: "renter", Password: "s3cret"})
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, net.JoinHostPort(host, fmt.Sprint(port)), conn.Addr())
	})

	t.Run("gives up", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		closedPort := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		w := NewWaiter(WithWaitTimeout(100*time.Millisecond), WithRetryInterval(20*time.Millisecond),
			WithDialOptions(WithConnectTimeout(50*time.Millisecond)))
		_, err = w.WaitReachable(context.Background(), Credentials{Host: "127.0.0.1", Port: closedPort, User: "renter", Password: "s3cret"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		_, err := NewWaiter().WaitReachable(context.Background(), Credentials{Host: host})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid credentials")
	})
}
