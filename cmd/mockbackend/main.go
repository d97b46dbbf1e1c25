// Package main runs the in-memory development backend
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labhya/labhya/internal/config"
	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/test/mockbackend"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.MockBackend.Addr, "Server address")
	seed := flag.Bool("seed", true, "Create demo accounts and GPUs")
	roleClaim := flag.Bool("role-claim", false, "Embed the role in access tokens")
	loginRole := flag.Bool("login-role", false, "Return the role in the login response")
	paginate := flag.Bool("paginate", false, "Wrap collections in a results envelope")
	flag.Parse()

	logger := logging.Setup(logging.Config{
		Level:  "info",
		Format: cfg.Logging.Format,
	})

	state := mockbackend.NewState()
	if *seed {
		if err := state.Seed(); err != nil {
			logger.Error("failed to seed state", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("seeded demo accounts",
			slog.String("host", "host@example.com"),
			slog.String("renter", "renter@example.com"),
			slog.String("password", mockbackend.SeedPassword))
	}

	server := mockbackend.NewServer(state,
		mockbackend.WithLogger(logger),
		mockbackend.WithConfig(mockbackend.Config{
			JWTSecret:     cfg.MockBackend.JWTSecret,
			AccessTTL:     cfg.MockBackend.AccessTTL,
			RefreshTTL:    cfg.MockBackend.RefreshTTL,
			RotateRefresh: cfg.MockBackend.RotateRefresh,
			RoleClaim:     *roleClaim,
			LoginRole:     *loginRole,
			Paginate:      *paginate,
		}))

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down mock backend...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting mock backend", slog.String("addr", *addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
