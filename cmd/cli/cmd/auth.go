package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/pkg/models"
)

var (
	loginEmail    string
	loginPassword string

	registerRole     string
	registerName     string
	registerEmail    string
	registerPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the credential",
	Long: `Log in with email and password. The password may also be supplied
through the LABHYA_PASSWORD environment variable.`,
	RunE: runLogin,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a host or renter account",
	RunE:  runRegister,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored credential",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE:  runWhoami,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email (required)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password")
	loginCmd.MarkFlagRequired("email")

	registerCmd.Flags().StringVarP(&registerRole, "role", "r", "", "Account role: host or renter (required)")
	registerCmd.Flags().StringVarP(&registerName, "name", "n", "", "Display name (required)")
	registerCmd.Flags().StringVarP(&registerEmail, "email", "e", "", "Account email (required)")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Account password")
	registerCmd.MarkFlagRequired("role")
	registerCmd.MarkFlagRequired("name")
	registerCmd.MarkFlagRequired("email")
}

func passwordOrEnv(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("LABHYA_PASSWORD"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("password is required (--password or LABHYA_PASSWORD)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	password, err := passwordOrEnv(loginPassword)
	if err != nil {
		return err
	}

	return withApp(cmd, false, func(ctx context.Context, a *app) error {
		role, err := a.client.Login(ctx, loginEmail, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		if jsonOutput() {
			return printJSON(map[string]string{"email": loginEmail, "role": role.String()})
		}
		if role == "" {
			fmt.Fprintf(stdout, "Logged in as %s (role could not be determined).\n", loginEmail)
			return nil
		}
		fmt.Fprintf(stdout, "Logged in as %s (%s).\n", loginEmail, role)
		return nil
	})
}

func runRegister(cmd *cobra.Command, args []string) error {
	role, err := models.ParseRole(registerRole)
	if err != nil {
		return err
	}
	password, err := passwordOrEnv(registerPassword)
	if err != nil {
		return err
	}

	return withApp(cmd, false, func(ctx context.Context, a *app) error {
		resp, err := a.client.Register(ctx, role, registerName, registerEmail, password)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		if jsonOutput() {
			return printJSON(resp)
		}
		fmt.Fprintf(stdout, "Registered %s as %s and logged in.\n", registerEmail, role)
		return nil
	})
}

func runLogout(cmd *cobra.Command, args []string) error {
	return withApp(cmd, false, func(ctx context.Context, a *app) error {
		if err := a.client.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Logged out.")
		return nil
	})
}

// whoami is the JSON shape of the whoami command
type whoami struct {
	Authenticated bool   `json:"authenticated"`
	Role          string `json:"role,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	ProfileID     string `json:"profile_id,omitempty"`
	ExpiresAt     string `json:"access_expires_at,omitempty"`
	AccessExpired bool   `json:"access_expired"`
}

func runWhoami(cmd *cobra.Command, args []string) error {
	return withApp(cmd, false, func(ctx context.Context, a *app) error {
		cred := a.store.Snapshot()
		id := a.store.Identity()

		out := whoami{
			Authenticated: cred.IsAuthenticated,
			Role:          cred.Role.String(),
			UserID:        id.UserID,
			Email:         id.Email,
			ProfileID:     id.ProfileID,
		}
		var expiry time.Time
		if claims, ok := auth.ParseClaims(cred.AccessToken); ok && !claims.ExpiresAt.IsZero() {
			expiry = claims.ExpiresAt
			out.ExpiresAt = expiry.UTC().Format(time.RFC3339)
			if out.UserID == "" {
				out.UserID = claims.UserID
			}
		}
		if left, ok := auth.ExpiresIn(cred.AccessToken, time.Now()); ok && left <= 0 {
			out.AccessExpired = true
		}

		if jsonOutput() {
			return printJSON(out)
		}
		if !out.Authenticated {
			fmt.Fprintln(stdout, "Not logged in.")
			return nil
		}

		role := out.Role
		if role == "" {
			role = "unknown"
		}
		fmt.Fprintf(stdout, "Email:      %s\n", out.Email)
		fmt.Fprintf(stdout, "Role:       %s\n", role)
		fmt.Fprintf(stdout, "User ID:    %s\n", out.UserID)
		fmt.Fprintf(stdout, "Profile ID: %s\n", out.ProfileID)
		switch {
		case out.AccessExpired:
			fmt.Fprintf(stdout, "Access:     expired %s, renewed on next request\n", humanize.Time(expiry))
		case !expiry.IsZero():
			fmt.Fprintf(stdout, "Access:     expires %s\n", humanize.Time(expiry))
		}
		return nil
	})
}
