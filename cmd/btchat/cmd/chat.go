package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"btchat/internal/framing"
	"btchat/internal/session"
)

func init() {
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Bool("discoverable", false, "Make this host discoverable before listening")
	for _, c := range []*cobra.Command{connectCmd, serveCmd} {
		c.Flags().String("download-dir", "", "Directory for received files (default from config)")
	}
}

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect to a device and chat",
	Long: `Connect to the chat service on a remote device and start an interactive
session. Lines typed on stdin are sent as messages.

Commands:
  /file <path>   send a file
  /quit          disconnect and exit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		m, closeFn, err := openSession(nil)
		if err != nil {
			return err
		}
		defer closeFn()

		events, unsub := m.Subscribe()
		defer unsub()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", infoFmt("connecting to"), args[0])
		if err := m.ConnectToDevice(ctx, args[0]); err != nil {
			return err
		}
		return runChat(ctx, m, events, cmd.InOrStdin(), out, downloadDir(cmd), false)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the chat service and wait for clients",
	Long: `Register the chat service and accept one client at a time. When a client
leaves, the service listens for the next one until you quit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		m, closeFn, err := openSession(nil)
		if err != nil {
			return err
		}
		defer closeFn()

		events, unsub := m.Subscribe()
		defer unsub()

		if discoverable, _ := cmd.Flags().GetBool("discoverable"); discoverable {
			if err := m.MakeDiscoverable(ctx); err != nil {
				return err
			}
		}
		if err := m.StartServer(ctx); err != nil {
			return err
		}
		defer func() {
			if err := m.StopServer(context.Background()); err != nil {
				logger.Debug("stop server", zap.Error(err))
			}
		}()
		return runChat(ctx, m, events, cmd.InOrStdin(), cmd.OutOrStdout(), downloadDir(cmd), true)
	},
}

func downloadDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("download-dir"); dir != "" {
		return dir
	}
	return cfg.Chat.DownloadDir
}

// maxInputLine bounds one typed line; a peer would cut anything longer at
// its frame limit anyway.
const maxInputLine = framing.MaxFrameSize

// runChat relays stdin to the session and prints session events until the
// user quits, ctx ends, or (for clients) the connection drops.
func runChat(ctx context.Context, m *session.Manager, events <-chan session.Event, in io.Reader, out io.Writer, dir string, host bool) error {
	lines := make(chan string)
	inputErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), maxInputLine)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			inputErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-inputErr:
					_ = m.Disconnect(ctx)
					return fmt.Errorf("read input: %w", err)
				default:
					return nil
				}
			}
			quit, err := handleInput(ctx, m, line, out)
			if err != nil {
				fmt.Fprintf(out, "%s %v\n", errFmt("error:"), err)
			}
			if quit {
				if err := m.Disconnect(ctx); err != nil {
					logger.Debug("disconnect", zap.Error(err))
				}
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			done, err := printEvent(ev, out, dir, host)
			if err != nil {
				fmt.Fprintf(out, "%s %v\n", errFmt("error:"), err)
			}
			if done {
				return nil
			}
		}
	}
}

func handleInput(ctx context.Context, m *session.Manager, line string, out io.Writer) (quit bool, err error) {
	switch {
	case strings.TrimSpace(line) == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case strings.HasPrefix(line, "/file "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
		data, err := os.ReadFile(path)
		if err != nil {
			return false, err
		}
		if err := m.SendFile(ctx, filepath.Base(path), data); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s %s (%d bytes)\n", dimFmt("sent file"), filepath.Base(path), len(data))
		return false, nil
	default:
		if err := m.SendMessage(ctx, line); err != nil {
			if errors.Is(err, session.ErrNotConnected) {
				return false, errors.New("no peer connected")
			}
			return false, err
		}
		return false, nil
	}
}

// printEvent renders ev. done reports that a client session has ended.
func printEvent(ev session.Event, out io.Writer, dir string, host bool) (done bool, err error) {
	switch ev.Type {
	case session.EventConnected:
		fmt.Fprintf(out, "%s %s\n", okFmt("connected to"), ev.Address)
	case session.EventServerStarted:
		fmt.Fprintln(out, okFmt("waiting for a client..."))
	case session.EventClientConnected:
		fmt.Fprintf(out, "%s %s\n", okFmt("client connected:"), ev.Address)
	case session.EventClientDisconnected:
		fmt.Fprintln(out, infoFmt("client left, waiting for the next one..."))
	case session.EventServerStopped:
		fmt.Fprintln(out, infoFmt("server stopped"))
		return host, nil
	case session.EventDisconnected:
		fmt.Fprintln(out, infoFmt("disconnected"))
		return !host, nil
	case session.EventMessageReceived:
		fmt.Fprintf(out, "%s %s\n", peerFmt("peer>"), ev.Message)
	case session.EventFileReceived:
		path, err := saveFile(dir, ev.FileName, ev.FileData)
		if err != nil {
			return false, fmt.Errorf("save %s: %w", ev.FileName, err)
		}
		fmt.Fprintf(out, "%s %s (%d bytes)\n", peerFmt("peer sent file"), path, len(ev.FileData))
	case session.EventError:
		fmt.Fprintf(out, "%s %v\n", errFmt("error:"), ev.Err)
	}
	return false, nil
}

// saveFile writes data under dir using only the base of name.
func saveFile(dir, name string, data []byte) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return "", fmt.Errorf("unusable file name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, base)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
