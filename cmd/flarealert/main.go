// FlareAlert, the alert delivery service for solar-flare predictions.
//
// Usage:
//
//	flarealert serve --config /etc/flarealert/config.yaml
//	flarealert token issue --subject user-42 --ttl 30d
//	flarealert requeue 6f1c0c1e-...
//	flarealert version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/solarwatch/flarealert/internal/controlplane/auth"
	"github.com/solarwatch/flarealert/internal/controlplane/config"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
	"github.com/solarwatch/flarealert/internal/controlplane/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "flarealert",
		Short:        "Solar-flare alert delivery service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FLAREALERT_CONFIG"), "Path to config file (YAML)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(tokenCmd(&configPath))
	root.AddCommand(requeueCmd(&configPath))
	root.AddCommand(versionCmd())
	return root
}

// newLogger builds a production logger, or a development one for debug.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, live-push hub, dispatcher and prediction sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			server.Version, server.Commit, server.Date = version, commit, date
			srv, err := server.New(cfg, logger)
			if err != nil {
				logger.Error("failed to build server", zap.Error(err))
				return err
			}
			defer srv.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return srv.Run(ctx)
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API and subscriber tokens",
	}

	var subject, ttl string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a signed token for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret (FLAREALERT_JWT_SECRET) is required")
			}
			lifetime := cfg.Auth.TokenTTL
			if ttl != "" {
				if lifetime, err = parseTTL(ttl); err != nil {
					return err
				}
			}
			tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			token, expires, err := tokens.Issue(subject, lifetime)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "Subject (user id) the token identifies")
	issue.Flags().StringVar(&ttl, "ttl", "", "Token lifetime, e.g. 12h, 30d, 2w (default auth.token_ttl)")
	_ = issue.MarkFlagRequired("subject")
	cmd.AddCommand(issue)
	return cmd
}

func requeueCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <notification-id>",
		Short: "Give a failed notification a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, err := notifications.Open(ctx, cfg.Storage.Driver, cfg.DataDir, cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Requeue(ctx, args[0], cfg.Dispatch.Policy.MaxAttempts, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("requeue %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requeued: %s, %d attempts available\n", n.ID, n.Status, n.MaxAttempts)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flarealert %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
