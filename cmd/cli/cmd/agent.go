package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/labhya/labhya/internal/agent"
	"github.com/labhya/labhya/pkg/models"
)

var agentMetricsAddr string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Host agent commands",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the host agent",
	Long: `Run the host agent until interrupted. The agent starts PENDING sessions
on this host's GPUs, reports GPU metrics for ACTIVE sessions and sends
heartbeats.

Log in as a host first. The SSH endpoint announced to renters comes from
LABHYA_AGENT_SSH_HOST, LABHYA_AGENT_SSH_PORT and LABHYA_AGENT_SSH_USERNAME.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentRunCmd)

	agentRunCmd.Flags().StringVar(&agentMetricsAddr, "metrics-addr", "", "Serve /health and /metrics on this address (e.g. :9100)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if role := a.store.Role(); role != models.RoleHost {
			return fmt.Errorf("the agent needs a host login (current role: %q)", role)
		}

		if a.cfg.Agent.HostID == "" {
			profile, err := a.client.HostProfile(ctx)
			if err != nil {
				return fmt.Errorf("failed to resolve host id: %w", err)
			}
			a.cfg.Agent.HostID = profile.ID
		}
		if err := a.cfg.ValidateAgent(); err != nil {
			return err
		}

		ag := agent.New(a.client,
			agent.WithLogger(a.logger),
			agent.WithHostID(a.cfg.Agent.HostID),
			agent.WithSSHEndpoint(agent.SSHEndpoint{
				Host:     a.cfg.Agent.SSHHost,
				Port:     a.cfg.Agent.SSHPort,
				Username: a.cfg.Agent.SSHUsername,
			}),
			agent.WithIntervals(a.cfg.Agent.PollInterval, a.cfg.Agent.MetricsInterval, a.cfg.Agent.HeartbeatInterval),
			agent.WithUnreachableHandler(agent.DefaultUnreachableThreshold, func() {
				a.logger.Error("backend unreachable, heartbeats keep failing",
					slog.Int("threshold", agent.DefaultUnreachableThreshold))
			}))

		if agentMetricsAddr != "" {
			srv := statusServer(agentMetricsAddr, ag)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("status server error", slog.String("error", err.Error()))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		fmt.Fprintf(stdout, "Agent running for host %s (Ctrl+C to stop).\n", a.cfg.Agent.HostID)
		return ag.Run(ctx)
	})
}

// statusServer exposes liveness and prometheus metrics for the agent
func statusServer(addr string, ag *agent.Agent) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !ag.IsRunning() {
			http.Error(w, "stopped", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "ok heartbeat_failures=%d\n", ag.FailureCount())
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
