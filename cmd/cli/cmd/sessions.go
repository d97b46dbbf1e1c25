package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/internal/service/cost"
	"github.com/labhya/labhya/internal/service/lifecycle"
	"github.com/labhya/labhya/internal/tui"
	"github.com/labhya/labhya/pkg/models"
)

var (
	rentWait        bool
	rentWaitTimeout time.Duration

	endpointHost string
	endpointPort int
	endpointUser string
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage rental sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sessions",
	RunE:  runSessionsList,
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsGet,
}

var rentCmd = &cobra.Command{
	Use:   "rent <gpu-id>",
	Short: "Rent a GPU (renters only)",
	Long: `Rent a GPU. The wallet must cover at least one hour of the GPU's price.

The session starts PENDING until the host agent starts it. With --wait the
command polls until the session leaves PENDING and prints the SSH details.`,
	Args: cobra.ExactArgs(1),
	RunE: runRent,
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End an active session and settle its cost",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsEnd,
}

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a pending session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsCancel,
}

var sessionsConnectCmd = &cobra.Command{
	Use:   "connect <session-id>",
	Short: "Show how to connect to a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsConnect,
}

var sessionsSetEndpointCmd = &cobra.Command{
	Use:   "set-endpoint <session-id>",
	Short: "Change the SSH endpoint of a session on your GPU (hosts only)",
	Long: `Change the SSH endpoint recorded on a session. Only the flags given are sent.

Examples:
  labhya sessions set-endpoint 12 --ssh-host 10.0.0.9
  labhya sessions set-endpoint 12 --ssh-port 2222 --ssh-username labhya`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsSetEndpoint,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Remove a finished session record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of session duration and cost",
	RunE:  runSessionsWatch,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(rentCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
	sessionsCmd.AddCommand(sessionsCancelCmd)
	sessionsCmd.AddCommand(sessionsConnectCmd)
	sessionsCmd.AddCommand(sessionsWatchCmd)
	sessionsCmd.AddCommand(sessionsSetEndpointCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	sessionsSetEndpointCmd.Flags().StringVar(&endpointHost, "ssh-host", "", "SSH host")
	sessionsSetEndpointCmd.Flags().IntVar(&endpointPort, "ssh-port", 0, "SSH port")
	sessionsSetEndpointCmd.Flags().StringVar(&endpointUser, "ssh-username", "", "SSH username")

	rentCmd.Flags().BoolVarP(&rentWait, "wait", "w", false, "Wait for the host agent to start the session")
	rentCmd.Flags().DurationVar(&rentWaitTimeout, "wait-timeout", 5*time.Minute, "How long to wait with --wait")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.cache.FetchSessions(ctx); err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		return printSessions(a.cache.Sessions(), cost.NewProjector())
	})
}

func runSessionsGet(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		s, err := a.client.GetSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		return printSession(s, cost.NewProjector())
	})
}

func runRent(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		var poller *lifecycle.Poller
		if rentWait {
			poller = lifecycle.NewPoller(a.cache,
				lifecycle.WithPollInterval(a.cfg.Sessions.PollInterval),
				lifecycle.WithBaseContext(ctx),
				lifecycle.WithRevoker(a.store),
				lifecycle.WithPollerLogger(a.logger))
			a.cache.OnSessions(poller.Sync)
			defer poller.Stop()
		}

		s, err := a.cache.Rent(ctx, args[0])
		if err != nil {
			var funds *lifecycle.InsufficientFundsError
			if errors.As(err, &funds) {
				return fmt.Errorf("%w; add funds with `labhya wallet add`", err)
			}
			return fmt.Errorf("failed to rent GPU: %w", err)
		}

		if !rentWait {
			if jsonOutput() {
				return printJSON(s)
			}
			fmt.Fprintf(stdout, "Requested session %s on %s (status: %s).\n", s.ID, sessionGPUName(s), s.Status)
			fmt.Fprintf(stdout, "Check progress with: labhya sessions get %s\n", s.ID)
			return nil
		}

		if !jsonOutput() {
			fmt.Fprintf(stdout, "Requested session %s, waiting for the host to start it...\n", s.ID)
		}
		started, err := waitForStart(ctx, a, s.ID, rentWaitTimeout)
		if err != nil {
			return err
		}
		return printSession(started, cost.NewProjector())
	})
}

// waitForStart blocks until the poller observes the session leaving PENDING
func waitForStart(ctx context.Context, a *app, id string, timeout time.Duration) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, s := range a.cache.Sessions() {
			if s.ID == id && !s.IsPending() {
				return &s, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for session %s to start", id)
		case <-a.store.Revoked():
			return nil, auth.ErrNotAuthenticated
		case <-ticker.C:
		}
	}
}

func runSessionsEnd(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		s, err := a.cache.EndSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		if jsonOutput() {
			return printJSON(s)
		}
		fmt.Fprintf(stdout, "Ended session %s. Billed %s.\n", s.ID, money(s.TotalCost))
		if w := a.cache.Wallet().Data; w != nil {
			fmt.Fprintf(stdout, "Wallet balance: %s\n", money(w.Balance))
		}
		return nil
	})
}

func runSessionsCancel(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		s, err := a.cache.CancelSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to cancel session: %w", err)
		}
		if jsonOutput() {
			return printJSON(s)
		}
		fmt.Fprintf(stdout, "Cancelled session %s.\n", s.ID)
		return nil
	})
}

func runSessionsConnect(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		info, err := a.client.ConnectionInfo(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get connection info: %w", err)
		}
		if jsonOutput() {
			return printJSON(info)
		}
		if info.SSHHost == "" {
			fmt.Fprintf(stdout, "Session %s has no connection yet (status: %s).\n", args[0], info.ConnectionStatus)
			return nil
		}

		conn := info.SSHConnectionString
		if conn == "" {
			conn = sshCommand(&models.Session{SSHHost: info.SSHHost, SSHPort: info.SSHPort, SSHUsername: info.SSHUsername})
		}
		fmt.Fprintf(stdout, "Connect with:\n  %s\n", conn)
		fmt.Fprintf(stdout, "Status: %s (connected: %t)\n", info.ConnectionStatus, info.IsConnected)
		return nil
	})
}

// sessionPatchFromFlags builds a patch holding only the flags the user set
func sessionPatchFromFlags(cmd *cobra.Command) models.SessionPatch {
	var patch models.SessionPatch
	flags := cmd.Flags()
	if flags.Changed("ssh-host") {
		patch.SSHHost = &endpointHost
	}
	if flags.Changed("ssh-port") {
		patch.SSHPort = &endpointPort
	}
	if flags.Changed("ssh-username") {
		patch.SSHUsername = &endpointUser
	}
	return patch
}

func runSessionsSetEndpoint(cmd *cobra.Command, args []string) error {
	patch := sessionPatchFromFlags(cmd)
	if patch == (models.SessionPatch{}) {
		return fmt.Errorf("nothing to update; pass --ssh-host, --ssh-port or --ssh-username")
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		s, err := a.client.PatchSession(ctx, args[0], patch)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if jsonOutput() {
			return printJSON(s)
		}
		fmt.Fprintf(stdout, "Updated session %s: %s\n", s.ID, sshCommand(s))
		return nil
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.client.DeleteSession(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		fmt.Fprintf(stdout, "Deleted session %s.\n", args[0])
		return nil
	})
}

func runSessionsWatch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.cache.FetchSessions(ctx); err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}

		model := tui.NewModel(ctx, a.cache, a.store.Role(),
			tui.WithTickInterval(a.cfg.UI.TickInterval),
			tui.WithPollInterval(a.cfg.Sessions.PollInterval))

		program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("watch failed: %w", err)
		}
		return nil
	})
}
