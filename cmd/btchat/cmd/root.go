// Package cmd implements the btchat CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"btchat/internal/config"
	"btchat/internal/connmgr"
	"btchat/internal/session"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	cfgPath      string
	logLevel     string
	outputFormat string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger

	// newAdapter opens the OS Bluetooth stack; tests replace it.
	newAdapter = func(opts connmgr.Options) (connmgr.Adapter, error) {
		return connmgr.NewRealAdapter(opts)
	}
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	infoFmt = color.New(color.FgYellow).SprintFunc()
	peerFmt = color.New(color.FgCyan, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "btchat",
	Short: "Bluetooth Classic chat over RFCOMM",
	Long: `btchat discovers nearby devices, connects to them or hosts a chat
service, and exchanges newline-framed messages and files over RFCOMM.

The bridge command exposes the same operations to other applications over
HTTP and a WebSocket event stream.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.LoadFromEnv(cfgPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = cfg.Log.NewLogger()
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// signalContext is canceled on Ctrl-C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openSession opens the adapter and a session manager over it. The returned
// function closes both.
func openSession(metrics *session.Metrics) (*session.Manager, func(), error) {
	adapter, err := newAdapter(cfg.AdapterOptions(logger.Named("connmgr")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bluetooth adapter: %w", err)
	}
	m := session.New(adapter, cfg.SessionOptions(logger.Named("session"), metrics))
	closeFn := func() {
		if err := m.Close(); err != nil {
			logger.Warn("session close", zap.Error(err))
		}
		if err := adapter.Close(); err != nil {
			logger.Warn("adapter close", zap.Error(err))
		}
	}
	return m, closeFn, nil
}

// formatOutput handles output formatting based on the --output flag.
func formatOutput(w io.Writer, data interface{}) error {
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		// Table format is handled by each command
		return nil
	}
}
