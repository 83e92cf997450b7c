// Command btchat is a Bluetooth Classic (RFCOMM) chat client, host and HTTP
// bridge for BlueZ.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - Registering the server profile usually needs root or membership in the
//     bluetooth group.
//
// Typical use
//
//	btchat scan --timeout 15s
//	btchat serve --discoverable
//	btchat connect AA:BB:CC:DD:EE:FF
//	btchat bridge --listen 127.0.0.1:8765
package main

import (
	"os"

	"btchat/cmd/btchat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
