package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/internal/cache"
	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/config"
	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/internal/storage"
)

var (
	configPath      string
	apiURL          string
	credentialsPath string
	outputFormat    string
	logLevel        string

	// stdout is where command output goes; tests replace it
	stdout io.Writer = os.Stdout

	// logOutput receives log records; nil means stderr
	logOutput io.Writer
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "labhya",
	Short: "Labhya - rent and host GPUs from the terminal",
	Long: `Labhya is a GPU rental marketplace client.

Renters can:
- Browse the marketplace and rent GPUs
- Watch session duration and cost live
- Move files to and from running sessions

Hosts can:
- List and manage their GPUs
- Run the host agent that starts sessions and reports metrics`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: environment only)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Backend API URL including /api (overrides LABHYA_API_URL)")
	rootCmd.PersistentFlags().StringVar(&credentialsPath, "credentials", "", "Credential database path (overrides LABHYA_CREDENTIALS_PATH)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// app is the wiring every command that talks to the backend shares
type app struct {
	cfg    *config.Config
	db     *storage.DB
	store  *auth.Store
	client *client.Client
	cache  *cache.Cache
	logger *slog.Logger
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}

	if apiURL != "" {
		cfg.API.BaseURL = apiURL
	}
	if credentialsPath != "" {
		cfg.Auth.CredentialsPath = credentialsPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp loads configuration, opens the credential database and restores
// any persisted login
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: logOutput,
	})

	db, err := storage.New(cfg.Auth.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate credential store: %w", err)
	}

	store := auth.NewStore(
		auth.WithPersister(storage.NewCredentialStore(db)),
		auth.WithLogger(logger))
	if err := store.Restore(ctx); err != nil {
		db.Close()
		return nil, err
	}

	c := client.New(store,
		client.WithBaseURL(cfg.API.BaseURL),
		client.WithTimeout(cfg.API.Timeout),
		client.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
		client.WithLogger(logger))

	return &app{
		cfg:    cfg,
		db:     db,
		store:  store,
		client: c,
		cache:  cache.New(c, store, cache.WithLogger(logger)),
		logger: logger,
	}, nil
}

// requireLogin fails fast when no credential is held
func (a *app) requireLogin() error {
	if !a.store.IsAuthenticated() {
		return fmt.Errorf("not logged in; run `labhya login` first")
	}
	return nil
}

func (a *app) Close() {
	a.cache.Close()
	a.db.Close()
}

// withApp runs fn with a fully wired app and translates auth failures into
// a login hint
func withApp(cmd *cobra.Command, needLogin bool, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if needLogin {
		if err := a.requireLogin(); err != nil {
			return err
		}
	}
	if role := a.store.Role(); role != "" {
		ctx = logging.WithRole(ctx, role.String())
	}

	if err := fn(ctx, a); err != nil {
		if client.IsAuthFailure(err) {
			return fmt.Errorf("session expired; run `labhya login` and try again")
		}
		return err
	}
	return nil
}
