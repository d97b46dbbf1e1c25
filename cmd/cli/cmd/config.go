package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View CLI configuration",
	Long:  `View Labhya CLI configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

// envVars are the settings most often overridden from the environment
var envVars = []string{
	"LABHYA_API_URL",
	"LABHYA_CREDENTIALS_PATH",
	"LABHYA_POLL_INTERVAL",
	"LABHYA_AGENT_HOST_ID",
	"LABHYA_AGENT_SSH_HOST",
	"LOG_LEVEL",
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(cfg)
	}

	fmt.Fprintln(stdout, "Labhya CLI Configuration")
	fmt.Fprintln(stdout, "========================")
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "API URL:          %s\n", cfg.API.BaseURL)
	fmt.Fprintf(stdout, "Request timeout:  %s\n", cfg.API.Timeout)
	fmt.Fprintf(stdout, "Rate limit:       %.1f req/s (burst %d)\n", cfg.API.RateLimit, cfg.API.RateBurst)
	fmt.Fprintf(stdout, "Credentials:      %s\n", cfg.Auth.CredentialsPath)
	fmt.Fprintf(stdout, "Session poll:     %s\n", cfg.Sessions.PollInterval)
	fmt.Fprintf(stdout, "UI tick:          %s\n", cfg.UI.TickInterval)
	fmt.Fprintf(stdout, "Log level:        %s\n", cfg.Logging.Level)
	fmt.Fprintf(stdout, "Output format:    %s\n", outputFormat)
	fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, "Environment Variables:")
	for _, name := range envVars {
		if v := os.Getenv(name); v != "" {
			fmt.Fprintf(stdout, "  %s=%s\n", name, v)
		} else {
			fmt.Fprintf(stdout, "  %s (not set)\n", name)
		}
	}
	return nil
}
