package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"btchat/internal/gateway"
	"btchat/internal/session"
)

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().String("listen", "", "HTTP listen address (default from config)")
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve the chat session over HTTP and WebSocket",
	Long: `Expose every chat command at POST /api/v1/commands/{method}, stream
session events at GET /api/v1/events (WebSocket) and metrics at GET /metrics.

Example:
  curl -XPOST localhost:8765/api/v1/commands/connectToDevice \
    -d '{"address":"AA:BB:CC:DD:EE:FF"}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("listen")
		if addr == "" {
			addr = cfg.Gateway.ListenAddr
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, closeFn, err := openSession(session.NewMetrics(reg))
		if err != nil {
			return err
		}
		defer closeFn()

		g := gateway.New(addr, m, reg, logger.Named("gateway"))
		go func() {
			select {
			case <-g.Ready():
				fmt.Fprintf(cmd.OutOrStdout(), "%s http://%s\n", okFmt("bridge listening on"), g.Addr())
			case <-ctx.Done():
			}
		}()
		return g.Start(ctx)
	},
}
