package cmd

// CLI Test Suite - Global State Management
//
// Cobra flags bind to package-level variables and keep their parsed values
// and Changed bits between executions of rootCmd. Every test that executes
// a command holds testMu, and cliEnv.run resets every flag to its default before
// each execution. The command output is captured through the stdout variable.
//
// Pure function tests (TestTruncateString, TestParseSessionPath, ...) do not
// touch global state and run in parallel.

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labhya/labhya/internal/agent/gpumon"
	"github.com/labhya/labhya/internal/remote"
	"github.com/labhya/labhya/pkg/models"
	"github.com/labhya/labhya/test/mockbackend"
)

// testMu protects global state during tests that cannot run in parallel.
var testMu sync.Mutex

// cliEnv is one isolated CLI installation talking to a fresh mock backend
type cliEnv struct {
	t           *testing.T
	server      *mockbackend.Server
	state       *mockbackend.State
	apiURL      string
	credentials string
}

// setupCLI locks global state, starts a seeded mock backend and points the
// CLI at it with a private credential database
func setupCLI(t *testing.T) *cliEnv {
	t.Helper()

	testMu.Lock()
	savedStdout := stdout
	t.Cleanup(func() {
		stdout = savedStdout
		resetFlags(rootCmd)
		testMu.Unlock()
	})

	state := mockbackend.NewState()
	require.NoError(t, state.Seed())
	server := mockbackend.NewServer(state)

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	rootCmd.SetErr(io.Discard)
	return &cliEnv{
		t:           t,
		server:      server,
		state:       state,
		apiURL:      ts.URL + "/api",
		credentials: filepath.Join(t.TempDir(), "credentials.db"),
	}
}

// resetFlags restores every flag of c and its subcommands to its default and
// drops the context a previous execution left on each command. Cobra only
// hands the root context to a subcommand whose context is nil.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	c.SetContext(nil) //nolint:staticcheck // nil lets ExecuteContext pass the new context down
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes the CLI with args and returns what it printed
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()

	var buf bytes.Buffer
	stdout = &buf
	resetFlags(rootCmd)

	rootCmd.SetArgs(append(args, "--api-url", e.apiURL, "--credentials", e.credentials))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	return buf.String(), err
}

// mustRun is run that fails the test on error
func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "labhya %v\n%s", args, out)
	return out
}

func (e *cliEnv) login(email string) {
	e.t.Helper()
	e.mustRun("login", "--email", email, "--password", mockbackend.SeedPassword)
}

// gpuID returns the id of the seeded GPU with the given name
func (e *cliEnv) gpuID(name string) string {
	e.t.Helper()
	for _, g := range e.state.AvailableGPUs() {
		if g.Name == name {
			return g.ID
		}
	}
	e.t.Fatalf("no GPU named %q", name)
	return ""
}

// startPending plays the host agent: it starts the first PENDING session
func (e *cliEnv) startPending() string {
	e.t.Helper()
	host, ok := e.state.AccountByEmail("host@example.com")
	require.True(e.t, ok)

	pending, err := e.state.PendingForHost(host)
	require.NoError(e.t, err)
	require.NotEmpty(e.t, pending)

	_, err = e.state.MarkStarted(host, pending[0].ID, models.MarkStartedRequest{
		SSHHost: "10.0.0.7", SSHPort: 2222, SSHUsername: "labhya", SSHPassword: "pw",
	})
	require.NoError(e.t, err)
	return pending[0].ID
}

func TestTruncateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "hello", 10, "hello"},
		{"exact length", "hello", 5, "hello"},
		{"needs truncation", "hello world", 8, "hello..."},
		{"very short max", "hello", 3, "hel"},
		{"empty string", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, truncateString(tt.input, tt.maxLen))
		})
	}
}

func TestParseSessionPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantID    string
		wantPath  string
		wantError bool
	}{
		{"valid", "12:/workspace/model.bin", "12", "/workspace/model.bin", false},
		{"uuid id", "5f0c7e1a-aaaa-bbbb-cccc-1234567890ab:/tmp/x", "5f0c7e1a-aaaa-bbbb-cccc-1234567890ab", "/tmp/x", false},
		{"colon in path", "12:/data/a:b", "12", "/data/a:b", false},
		{"trims spaces", " 12 : /tmp/x ", "12", "/tmp/x", false},
		{"missing colon", "12/tmp/x", "", "", true},
		{"empty id", ":/tmp/x", "", "", true},
		{"empty path", "12:", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, path, err := parseSessionPath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestMoney(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "₹40.00", money(40))
	assert.Equal(t, "₹1,234.50", money(1234.5))
	assert.Equal(t, "+₹500.00", signedMoney(500))
	assert.Equal(t, "-₹60.00", signedMoney(-60))
}

func TestSSHCommand(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ssh labhya@h -p 2200", sshCommand(&models.Session{SSHConnectionString: "ssh labhya@h -p 2200"}))
	assert.Equal(t, "ssh -p 22 u@h", sshCommand(&models.Session{SSHHost: "h", SSHPort: 22, SSHUsername: "u"}))
}

func TestLoginWhoamiLogout(t *testing.T) {
	env := setupCLI(t)

	out := env.mustRun("whoami")
	assert.Contains(t, out, "Not logged in.")

	out = env.mustRun("login", "--email", "renter@example.com", "--password", mockbackend.SeedPassword)
	assert.Contains(t, out, "Logged in as renter@example.com (RENTER)")

	// The credential survives across invocations through the sqlite store
	out = env.mustRun("whoami", "-o", "json")
	var who whoami
	require.NoError(t, json.Unmarshal([]byte(out), &who))
	assert.True(t, who.Authenticated)
	assert.Equal(t, "RENTER", who.Role)
	assert.Equal(t, "renter@example.com", who.Email)
	assert.NotEmpty(t, who.ExpiresAt)
	assert.False(t, who.AccessExpired)

	out = env.mustRun("logout")
	assert.Contains(t, out, "Logged out.")

	out = env.mustRun("whoami")
	assert.Contains(t, out, "Not logged in.")
}

func TestWhoami_ReportsExpiredAccess(t *testing.T) {
	env := setupCLI(t)
	cfg := env.server.Config()
	cfg.AccessTTL = time.Second
	env.server.SetConfig(cfg)
	env.login("renter@example.com")

	time.Sleep(1500 * time.Millisecond)

	out := env.mustRun("whoami", "-o", "json")
	var who whoami
	require.NoError(t, json.Unmarshal([]byte(out), &who))
	assert.True(t, who.Authenticated)
	assert.True(t, who.AccessExpired)

	assert.Contains(t, env.mustRun("whoami"), "renewed on next request")
}

func TestLogin_WrongPassword(t *testing.T) {
	env := setupCLI(t)

	_, err := env.run("login", "--email", "renter@example.com", "--password", "nope-nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")
}

func TestLogin_PasswordFromEnv(t *testing.T) {
	env := setupCLI(t)
	t.Setenv("LABHYA_PASSWORD", mockbackend.SeedPassword)

	out := env.mustRun("login", "--email", "host@example.com")
	assert.Contains(t, out, "(HOST)")
}

func TestRegister(t *testing.T) {
	env := setupCLI(t)

	out := env.mustRun("register", "--role", "host", "--name", "New Host",
		"--email", "new@example.com", "--password", "secret123")
	assert.Contains(t, out, "Registered new@example.com as HOST")

	out = env.mustRun("whoami")
	assert.Contains(t, out, "Role:       HOST")

	_, err := env.run("register", "--role", "admin", "--name", "x", "--email", "x@example.com", "--password", "secret123")
	assert.Error(t, err)
}

func TestCommands_RequireLogin(t *testing.T) {
	env := setupCLI(t)

	for _, args := range [][]string{
		{"sessions", "list"},
		{"gpus", "available"},
		{"wallet"},
		{"dashboard"},
	} {
		_, err := env.run(args...)
		require.Error(t, err, "%v", args)
		assert.Contains(t, err.Error(), "not logged in")
	}
}

func TestCommands_RepeatedRuns(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	// Each run cancels its context on return; the next run of the same
	// subcommand must get a fresh one
	for range 3 {
		out := env.mustRun("gpus", "available")
		assert.Contains(t, out, "RTX 4090")
		assert.Contains(t, env.mustRun("wallet"), "₹500.00")
	}
}

func TestMarketplace(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	out := env.mustRun("gpus", "available")
	assert.Contains(t, out, "RTX 4090")
	assert.Contains(t, out, "A100")
	assert.Contains(t, out, "₹40.00")
	assert.Contains(t, out, "Total: 2 GPUs")

	out = env.mustRun("gpus", "available", "-o", "json")
	var gpus []models.GPU
	require.NoError(t, json.Unmarshal([]byte(out), &gpus))
	assert.Len(t, gpus, 2)
}

func TestRent_AuditCarriesRole(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	var logs bytes.Buffer
	logOutput = &logs
	t.Cleanup(func() { logOutput = nil })

	env.mustRun("rent", env.gpuID("RTX 4090"), "--log-level", "info")
	assert.Contains(t, logs.String(), "operation=session_created")
	assert.Contains(t, logs.String(), "role=RENTER")
}

func TestRentCancel(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")
	gpu := env.gpuID("RTX 4090")

	out := env.mustRun("rent", gpu, "-o", "json")
	var s models.Session
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, models.StatusPending, s.Status)

	out = env.mustRun("sessions", "list")
	assert.Contains(t, out, string(models.StatusPending))

	// The GPU is held while the session is pending
	out = env.mustRun("gpus", "available")
	assert.NotContains(t, out, "RTX 4090")

	out = env.mustRun("sessions", "cancel", s.ID)
	assert.Contains(t, out, "Cancelled session "+s.ID)

	g, ok := env.state.GPU(gpu)
	require.True(t, ok)
	assert.True(t, g.Available)
}

func TestRent_InsufficientFunds(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")
	env.mustRun("wallet", "withdraw", "400")

	_, err := env.run("rent", env.gpuID("A100"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestRentWaitEndSettles(t *testing.T) {
	env := setupCLI(t)
	t.Setenv("LABHYA_POLL_INTERVAL", "20ms")
	env.login("renter@example.com")
	gpu := env.gpuID("RTX 4090")

	started := make(chan string, 1)
	go func() {
		host, _ := env.state.AccountByEmail("host@example.com")
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			pending, err := env.state.PendingForHost(host)
			if err == nil && len(pending) > 0 {
				env.state.MarkStarted(host, pending[0].ID, models.MarkStartedRequest{
					SSHHost: "10.0.0.7", SSHPort: 2222, SSHUsername: "labhya", SSHPassword: "pw",
				})
				started <- pending[0].ID
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		close(started)
	}()

	out := env.mustRun("rent", gpu, "--wait")
	id := <-started
	require.NotEmpty(t, id)
	assert.Contains(t, out, "Status:         ACTIVE")
	assert.Contains(t, out, "ssh labhya@10.0.0.7 -p 2222")

	out = env.mustRun("sessions", "connect", id)
	assert.Contains(t, out, "ssh labhya@10.0.0.7 -p 2222")

	env.state.Advance(90 * time.Minute)

	out = env.mustRun("sessions", "end", id)
	assert.Contains(t, out, "Billed ₹60.00")
	assert.Contains(t, out, "Wallet balance: ₹440.00")

	out = env.mustRun("transactions")
	assert.Contains(t, out, "+₹500.00")
	assert.Contains(t, out, "-₹60.00")
	assert.Contains(t, out, "Total: 2 transactions")

	out = env.mustRun("dashboard", "-o", "json")
	var dash dashboard
	require.NoError(t, json.Unmarshal([]byte(out), &dash))
	require.NotNil(t, dash.Server)
	assert.Equal(t, models.Amount(60), dash.Server.TotalSpent)
	assert.Equal(t, models.Amount(60), dash.Local.TotalSpent)
	assert.Equal(t, 1, dash.Local.CompletedSessions)
}

func TestSessionsGet_ShowsConnection(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	env.mustRun("rent", env.gpuID("A100"))
	id := env.startPending()

	out := env.mustRun("sessions", "get", id)
	assert.Contains(t, out, "Session ID:     "+id)
	assert.Contains(t, out, "SSH Connection:")
	assert.Contains(t, out, "password: pw")
}

func TestSessionsSetEndpointAndDelete(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")
	env.mustRun("rent", env.gpuID("A100"))
	id := env.startPending()

	// Only the GPU's host may move the endpoint
	_, err := env.run("sessions", "set-endpoint", id, "--ssh-host", "10.0.0.9")
	require.Error(t, err)

	env.login("host@example.com")
	_, err = env.run("sessions", "set-endpoint", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")

	out := env.mustRun("sessions", "set-endpoint", id, "--ssh-host", "10.0.0.9", "--ssh-port", "2201")
	assert.Contains(t, out, "ssh -p 2201 labhya@10.0.0.9")

	// A running session cannot be deleted
	_, err = env.run("sessions", "delete", id)
	require.Error(t, err)

	env.login("renter@example.com")
	env.mustRun("sessions", "end", id)
	out = env.mustRun("sessions", "delete", id)
	assert.Contains(t, out, "Deleted session "+id)

	renter, ok := env.state.AccountByEmail("renter@example.com")
	require.True(t, ok)
	_, err = env.state.GetSession(renter, id)
	assert.Error(t, err)
}

func TestSessionsEnd_PendingRefused(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	out := env.mustRun("rent", env.gpuID("A100"), "-o", "json")
	var s models.Session
	require.NoError(t, json.Unmarshal([]byte(out), &s))

	_, err := env.run("sessions", "end", s.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot end")
}

func TestSessionsCheck_PendingRefused(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	out := env.mustRun("rent", env.gpuID("A100"), "-o", "json")
	var s models.Session
	require.NoError(t, json.Unmarshal([]byte(out), &s))

	_, err := env.run("sessions", "check", s.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session is not active")
}

func TestNewCheckResult(t *testing.T) {
	t.Parallel()

	report := &remote.Report{
		Addr:        "10.0.0.7:2222",
		Reachable:   true,
		GPU:         &gpumon.Stats{UtilizationPct: 50, MemoryUsedMB: 1024, MemoryTotalMB: 24576, TemperatureC: 60},
		Disk:        remote.ParseDiskOutput("/dev/sda1 100G 95G 5G 95% /"),
		KilledProcs: []string{"python3"},
	}

	res := newCheckResult("s1", report)
	assert.False(t, res.Healthy)
	require.NotNil(t, res.GPUUtil)
	assert.Equal(t, 50.0, *res.GPUUtil)
	assert.Equal(t, 1024, res.GPUMemoryMB)
	require.NotNil(t, res.DiskFreeGB)
	assert.Equal(t, 5.0, *res.DiskFreeGB)
	assert.True(t, res.DiskLow)
	assert.Equal(t, []string{"python3"}, res.KilledProcs)

	noGPU := newCheckResult("s1", &remote.Report{Reachable: true, GPUError: "nvidia-smi: not found"})
	assert.Nil(t, noGPU.GPUUtil)
	assert.Nil(t, noGPU.DiskFreeGB)
	assert.Equal(t, "nvidia-smi: not found", noGPU.GPUError)
}

func TestWallet(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	out := env.mustRun("wallet")
	assert.Contains(t, out, "Balance:  ₹500.00")

	out = env.mustRun("wallet", "add", "100", "-d", "top up")
	assert.Contains(t, out, "New balance: ₹600.00")

	out = env.mustRun("wallet", "withdraw", "50")
	assert.Contains(t, out, "New balance: ₹550.00")

	_, err := env.run("wallet", "withdraw", "1000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds wallet balance")

	_, err = env.run("wallet", "add", "ten")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid amount")

	_, err = env.run("wallet", "add", "0")
	assert.Error(t, err)
}

func TestHostGPUManagement(t *testing.T) {
	env := setupCLI(t)
	env.login("host@example.com")

	out := env.mustRun("gpus", "create", "--name", "H100", "--model", "NVIDIA H100 SXM5",
		"--memory", "80", "--price", "300", "--location", "Pune")
	assert.Contains(t, out, "Created GPU")

	out = env.mustRun("gpus", "list", "-o", "json")
	var gpus []models.GPU
	require.NoError(t, json.Unmarshal([]byte(out), &gpus))
	require.Len(t, gpus, 3)

	var id string
	for _, g := range gpus {
		if g.Name == "H100" {
			id = g.ID
		}
	}
	require.NotEmpty(t, id)

	out = env.mustRun("gpus", "update", id, "--price", "320", "--unavailable")
	assert.Contains(t, out, "Updated GPU "+id)

	g, ok := env.state.GPU(id)
	require.True(t, ok)
	assert.Equal(t, 320.0, g.Price)
	assert.False(t, g.Available)
	assert.Equal(t, "Pune", g.Location)

	_, err := env.run("gpus", "update", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")

	out = env.mustRun("gpus", "delete", id)
	assert.Contains(t, out, "Deleted GPU "+id)
	_, ok = env.state.GPU(id)
	assert.False(t, ok)
}

func TestRenterCannotCreateGPU(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	_, err := env.run("gpus", "create", "--name", "X", "--model", "Y",
		"--memory", "8", "--price", "10", "--location", "Z")
	assert.Error(t, err)
}

func TestExpiredSession_AsksForLogin(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	env.state.ExpireAccessTokens()
	env.server.InjectFault(mockbackend.Fault{
		Method: "POST", Path: "/api/auth/refresh/", Status: 401,
		Body: `{"detail":"Token is invalid or expired","code":"token_not_valid"}`,
	})

	_, err := env.run("sessions", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session expired")

	out := env.mustRun("whoami")
	assert.Contains(t, out, "Not logged in.")
}

func TestConfigShow(t *testing.T) {
	env := setupCLI(t)

	out := env.mustRun("config", "show")
	assert.Contains(t, out, "API URL:          "+env.apiURL)
	assert.Contains(t, out, "Credentials:      "+env.credentials)
}

func TestAgentRun_RequiresHost(t *testing.T) {
	env := setupCLI(t)
	env.login("renter@example.com")

	_, err := env.run("agent", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host login")
}

func TestAgentRun_RequiresSSHHost(t *testing.T) {
	env := setupCLI(t)
	env.login("host@example.com")
	t.Setenv("LABHYA_AGENT_SSH_HOST", "")

	_, err := env.run("agent", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LABHYA_AGENT_SSH_HOST")
}
