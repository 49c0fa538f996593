// Flarewatch subscribes to the live alert stream and prints what arrives.
//
// Usage:
//
//	flarewatch --url wss://alerts.example.com/ws/subscribe --token $TOKEN --threshold 0.6
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/protocol"
	"github.com/solarwatch/flarealert/internal/subscriber/connection"
)

var version = "dev"

type options struct {
	url           string
	token         string
	threshold     float64
	maxReconnects int
	raw           bool
	verbose       bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "flarewatch",
		Short:        "Print live solar-flare alerts",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				return errors.New("--token (or FLAREWATCH_TOKEN) is required")
			}
			if opts.threshold < 0 || opts.threshold > 1 {
				return errors.New("--threshold must be within [0,1]")
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return watch(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", envOr("FLAREWATCH_URL", "ws://localhost:8080/ws/subscribe"), "Live-push endpoint")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("FLAREWATCH_TOKEN"), "Subscriber token")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0.5, "Minimum flare probability for broadcasts")
	cmd.Flags().IntVar(&opts.maxReconnects, "max-reconnects", 0, "Reconnect attempts before giving up (0 = default)")
	cmd.Flags().BoolVar(&opts.raw, "json", false, "Print raw JSON messages")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log client internals")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// watch streams alerts until ctx ends or the client settles disconnected.
func watch(ctx context.Context, opts options, out, errOut io.Writer) error {
	logger := zap.NewNop()
	if opts.verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	done := make(chan error, 1)
	handlers := connection.Handlers{
		OnMessage: func(msg protocol.ServerMessage) {
			if line, ok := formatMessage(msg, opts.raw); ok {
				fmt.Fprintln(out, line)
			}
		},
		OnStatus: func(st connection.Status) {
			fmt.Fprintln(errOut, formatStatus(st))
			if st.State == connection.StateDisconnected && st.Err != nil {
				select {
				case done <- st.Err:
				default:
				}
			}
		},
	}

	_, release, err := connection.Acquire(connection.Config{
		URL:                  opts.url,
		Token:                opts.token,
		Threshold:            opts.threshold,
		MaxReconnectAttempts: opts.maxReconnects,
		Logger:               logger,
	}, handlers)
	if err != nil {
		return err
	}
	defer release()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

func formatStatus(st connection.Status) string {
	line := "* " + st.State.String()
	if st.Attempt > 0 {
		line += fmt.Sprintf(" (attempt %d)", st.Attempt)
	}
	if st.Err != nil {
		line += ": " + st.Err.Error()
	}
	return line
}

// formatMessage renders alerts. Heartbeats are not printed.
func formatMessage(msg protocol.ServerMessage, raw bool) (string, bool) {
	if msg.Type == protocol.MsgHeartbeat {
		return "", false
	}
	if raw {
		b, err := json.Marshal(msg)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
	switch msg.Type {
	case protocol.MsgAlert:
		var a protocol.AlertData
		if err := msg.Decode(&a); err != nil {
			return fmt.Sprintf("! undecodable alert: %v", err), true
		}
		p := a.Prediction
		head := "BROADCAST"
		if a.Kind == protocol.AlertKindNotification {
			head = "ALERT " + a.ConfigName
		}
		return fmt.Sprintf("%s %s  %s flare p=%.2f conf=%.2f  [%s]",
			msg.Timestamp.Format("15:04:05"), head, p.Severity, p.FlareProbability, p.Confidence, p.ID), true
	case protocol.MsgError:
		var e protocol.ErrorData
		_ = msg.Decode(&e)
		return fmt.Sprintf("! server error %s: %s", e.Code, e.Message), true
	default:
		return fmt.Sprintf("? %s message", msg.Type), true
	}
}
