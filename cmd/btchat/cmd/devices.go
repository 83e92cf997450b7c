package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"btchat/internal/connmgr"
	"btchat/internal/session"
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(pairedCmd)
	rootCmd.AddCommand(infoCmd)

	scanCmd.Flags().Duration("timeout", 0, "Stop scanning after this long (default: the adapter scan window)")
}

type deviceRow struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

func rows(devs []connmgr.Device) []deviceRow {
	out := make([]deviceRow, 0, len(devs))
	for _, d := range devs {
		out = append(out, deviceRow{Name: d.Name, Address: d.Address})
	}
	return out
}

func printDevices(cmd *cobra.Command, devs []connmgr.Device, empty string) error {
	if outputFormat != "table" {
		return formatOutput(cmd.OutOrStdout(), rows(devs))
	}
	if len(devs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), empty)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS")
	for _, d := range devs {
		fmt.Fprintf(w, "%s\t%s\n", d.Name, d.Address)
	}
	return w.Flush()
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nearby Bluetooth devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		m, closeFn, err := openSession(nil)
		if err != nil {
			return err
		}
		defer closeFn()

		devs, err := scan(ctx, m, timeout)
		if err != nil {
			return err
		}
		return printDevices(cmd, devs, "No devices found.")
	},
}

// scan runs one discovery and returns the devices in the order found.
func scan(ctx context.Context, m *session.Manager, timeout time.Duration) ([]connmgr.Device, error) {
	events, unsub := m.Subscribe()
	defer unsub()

	if _, err := m.StartDiscovery(ctx); err != nil {
		return nil, err
	}
	var stop <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		stop = t.C
	}

	var devs []connmgr.Device
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return devs, nil
			}
			switch ev.Type {
			case session.EventDeviceFound:
				devs = append(devs, ev.Device)
			case session.EventDiscoveryFinished:
				return devs, nil
			}
		case <-stop:
			stop = nil
			if _, err := m.StopDiscovery(ctx); err != nil {
				return devs, err
			}
		case <-ctx.Done():
			return devs, nil
		}
	}
}

var pairedCmd = &cobra.Command{
	Use:   "paired",
	Short: "List bonded devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := openSession(nil)
		if err != nil {
			return err
		}
		defer closeFn()

		devs, err := m.PairedDevices(cmd.Context())
		if err != nil {
			return err
		}
		return printDevices(cmd, devs, "No paired devices.")
	},
}

type hostInfo struct {
	Name        string `json:"name" yaml:"name"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Permissions bool   `json:"permissions" yaml:"permissions"`
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the local adapter name and status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := openSession(nil)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := cmd.Context()
		var info hostInfo
		if info.Name, err = m.DeviceName(ctx); err != nil {
			return err
		}
		if info.Enabled, err = m.IsBluetoothEnabled(ctx); err != nil {
			return err
		}
		if info.Permissions, err = m.RequestPermissions(ctx); err != nil {
			return err
		}

		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), info)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Name:\t%s\n", info.Name)
		fmt.Fprintf(w, "Powered:\t%s\n", yesNo(info.Enabled))
		fmt.Fprintf(w, "Permitted:\t%s\n", yesNo(info.Permissions))
		return w.Flush()
	},
}

func yesNo(b bool) string {
	if b {
		return okFmt("yes")
	}
	return errFmt("no")
}
