package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/labhya/labhya/internal/remote"
)

var (
	checkKeyFile string
	checkWait    time.Duration
)

var sessionsCheckCmd = &cobra.Command{
	Use:   "check <session-id>",
	Short: "Check that a session's machine is reachable and healthy",
	Long: `Connect to an ACTIVE session over SSH and report GPU, disk and OOM status.

With --wait the command keeps retrying the connection for that long, which
helps right after the host agent has started the session.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsCheck,
}

func init() {
	sessionsCmd.AddCommand(sessionsCheckCmd)

	sessionsCheckCmd.Flags().StringVarP(&checkKeyFile, "key", "k", "", "SSH private key file (default: session password)")
	sessionsCheckCmd.Flags().DurationVar(&checkWait, "wait", 0, "Retry the SSH connection for up to this long")
}

// checkResult is the JSON form of a health check
type checkResult struct {
	SessionID   string   `json:"session_id"`
	Addr        string   `json:"addr"`
	Healthy     bool     `json:"healthy"`
	GPUUtil     *float64 `json:"gpu_utilization,omitempty"`
	GPUMemoryMB int      `json:"gpu_memory_used_mb,omitempty"`
	GPUTempC    *float64 `json:"gpu_temperature,omitempty"`
	GPUError    string   `json:"gpu_error,omitempty"`
	DiskFreeGB  *float64 `json:"disk_free_gb,omitempty"`
	DiskLow     bool     `json:"disk_low"`
	KilledProcs []string `json:"oom_killed,omitempty"`
}

func runSessionsCheck(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		creds, err := sessionCredentials(ctx, a, args[0], checkKeyFile)
		if err != nil {
			return err
		}

		dialOpts := []remote.Option{remote.WithConnectTimeout(15 * time.Second)}
		var conn *remote.Conn
		if checkWait > 0 {
			conn, err = remote.NewWaiter(
				remote.WithWaitTimeout(checkWait),
				remote.WithRetryInterval(2*time.Second),
				remote.WithDialOptions(dialOpts...),
				remote.WithWaiterLogger(a.logger),
			).WaitReachable(ctx, creds)
		} else {
			conn, err = remote.Dial(ctx, creds, dialOpts...)
		}
		if err != nil {
			return fmt.Errorf("failed to connect to session %s: %w", args[0], err)
		}
		defer conn.Close()

		report, err := remote.Check(ctx, conn)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if jsonOutput() {
			return printJSON(newCheckResult(args[0], report))
		}
		printReport(args[0], report)
		return nil
	})
}

func newCheckResult(sessionID string, r *remote.Report) checkResult {
	res := checkResult{
		SessionID:   sessionID,
		Addr:        r.Addr,
		Healthy:     r.Healthy(),
		GPUError:    r.GPUError,
		KilledProcs: r.KilledProcs,
	}
	if r.GPU != nil {
		res.GPUUtil = &r.GPU.UtilizationPct
		res.GPUMemoryMB = r.GPU.MemoryUsedMB
		res.GPUTempC = &r.GPU.TemperatureC
	}
	if r.Disk != nil {
		free := r.Disk.AvailableGB()
		res.DiskFreeGB = &free
		res.DiskLow = r.Disk.IsLow()
	}
	return res
}

func printReport(sessionID string, r *remote.Report) {
	status := "healthy"
	if !r.Healthy() {
		status = "degraded"
	}
	fmt.Fprintf(stdout, "Session %s at %s: %s\n", sessionID, r.Addr, status)

	if r.GPU != nil {
		fmt.Fprintf(stdout, "  GPU:  %.0f%% utilization, %s / %s memory, %.0f°C\n",
			r.GPU.UtilizationPct,
			humanize.IBytes(uint64(r.GPU.MemoryUsedMB)<<20),
			humanize.IBytes(uint64(r.GPU.MemoryTotalMB)<<20),
			r.GPU.TemperatureC)
	} else {
		fmt.Fprintf(stdout, "  GPU:  unavailable (%s)\n", r.GPUError)
	}

	if r.Disk != nil {
		note := ""
		if r.Disk.IsLow() {
			note = " (low)"
		}
		fmt.Fprintf(stdout, "  Disk: %.0f GB free%s\n", r.Disk.AvailableGB(), note)
	}

	if len(r.KilledProcs) > 0 {
		fmt.Fprintf(stdout, "  OOM:  killed %s\n", strings.Join(r.KilledProcs, ", "))
	}
}
