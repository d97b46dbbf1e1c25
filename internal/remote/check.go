package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/labhya/labhya/internal/agent/gpumon"
)

// OOMCommand lists the most recent OOM killer events
const OOMCommand = `dmesg -T 2>/dev/null | grep -i "oom\|out of memory\|killed process" | tail -5`

// ErrUnreachable is returned by WaitReachable when the machine never answers
var ErrUnreachable = errors.New("machine not reachable over ssh")

// Report is the health of a rented machine
type Report struct {
	Addr        string
	Reachable   bool
	GPU         *gpumon.Stats
	GPUError    string
	Disk        *DiskStatus
	KilledProcs []string
	CheckedAt   time.Time
}

// Healthy is true when the machine answered, has GPU readings and is not
// low on disk
func (r *Report) Healthy() bool {
	return r.Reachable && r.GPU != nil && (r.Disk == nil || !r.Disk.IsLow()) && len(r.KilledProcs) == 0
}

// Check runs the health probes on an open connection. Only a failed liveness
// command is an error; GPU, disk and OOM probes record what they found.
func Check(ctx context.Context, conn *Conn) (*Report, error) {
	report := &Report{Addr: conn.Addr(), CheckedAt: time.Now()}

	out, _, err := conn.Run(ctx, "echo ok")
	if err != nil {
		return report, fmt.Errorf("liveness check failed: %w", err)
	}
	if out != "ok" {
		return report, fmt.Errorf("unexpected liveness output: %q", out)
	}
	report.Reachable = true

	if out, stderr, err := conn.Run(ctx, gpumon.QueryCommand); err != nil {
		report.GPUError = firstNonEmpty(stderr, err.Error())
	} else if stats, err := gpumon.ParseOutput(out); err != nil {
		report.GPUError = err.Error()
	} else {
		report.GPU = &stats
	}

	if out, _, err := conn.Run(ctx, DiskCommand); err == nil {
		report.Disk = ParseDiskOutput(out)
	}

	if out, _, err := conn.Run(ctx, OOMCommand); err == nil {
		report.KilledProcs = parseKilledProcs(out)
	}

	return report, nil
}

// killedProcessRe matches dmesg lines like
//
//	[Thu Feb  6 12:34:56 2026] Killed process 1234 (python3) total-vm:12345kB
var killedProcessRe = regexp.MustCompile(`Killed process \d+ \(([^)]+)\)`)

func parseKilledProcs(output string) []string {
	var procs []string
	seen := make(map[string]bool)
	for _, m := range killedProcessRe.FindAllStringSubmatch(output, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			procs = append(procs, m[1])
		}
	}
	return procs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Waiter retries Dial until a freshly started machine accepts SSH
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
	dialOpts []Option
	logger   *slog.Logger
}

// WaiterOption configures a Waiter
type WaiterOption func(*Waiter)

// WithWaitTimeout bounds the total time spent waiting
func WithWaitTimeout(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.timeout = d
	}
}

// WithRetryInterval sets the delay between attempts
func WithRetryInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.interval = d
	}
}

// WithDialOptions passes options through to every Dial
func WithDialOptions(opts ...Option) WaiterOption {
	return func(w *Waiter) {
		w.dialOpts = append(w.dialOpts, opts...)
	}
}

// WithWaiterLogger sets the logger
func WithWaiterLogger(logger *slog.Logger) WaiterOption {
	return func(w *Waiter) {
		w.logger = logger
	}
}

// NewWaiter creates a Waiter with a two minute budget and a five second
// retry interval
func NewWaiter(opts ...WaiterOption) *Waiter {
	w := &Waiter{
		timeout:  2 * time.Minute,
		interval: 5 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WaitReachable dials until the machine answers "echo ok" and returns the
// open connection
func (w *Waiter) WaitReachable(ctx context.Context, creds Credentials) (*Conn, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := w.try(ctx, creds)
		if err == nil {
			w.logger.Debug("ssh reachable",
				slog.String("addr", creds.Addr()),
				slog.Int("attempts", attempt))
			return conn, nil
		}
		lastErr = err
		w.logger.Debug("ssh not reachable yet",
			slog.String("addr", creds.Addr()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnreachable, attempt, lastErr)
		case <-ticker.C:
		}
	}
}

func (w *Waiter) try(ctx context.Context, creds Credentials) (*Conn, error) {
	conn, err := Dial(ctx, creds, w.dialOpts...)
	if err != nil {
		return nil, err
	}
	out, _, err := conn.Run(ctx, "echo ok")
	if err != nil || out != "ok" {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected liveness output: %q", out)
		}
		return nil, err
	}
	return conn, nil
}
