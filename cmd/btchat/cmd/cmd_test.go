package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btchat/internal/connmgr"
	"btchat/internal/framing"
)

// sharedAdapter outlives each command so one test can run several of them
// against the same scripted devices.
type sharedAdapter struct {
	*connmgr.FakeAdapter
}

func (sharedAdapter) Close() error { return nil }

// useFake routes the commands to a FakeAdapter for the rest of the test.
// Tests here cannot run in parallel: rootCmd and its flags are shared.
func useFake(t *testing.T) *connmgr.FakeAdapter {
	t.Helper()
	fake := connmgr.NewFakeAdapter()
	prev := newAdapter
	newAdapter = func(connmgr.Options) (connmgr.Adapter, error) { return sharedAdapter{fake}, nil }
	t.Cleanup(func() {
		newAdapter = prev
		_ = fake.Close()
	})
	return fake
}

func execute(t *testing.T, in io.Reader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(in)
	rootCmd.SetArgs(append([]string{"--log-level", "error", "--output", "table", "--config", ""}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPaired(t *testing.T) {
	fake := useFake(t)
	fake.AddBonded(
		connmgr.Device{Name: "Pixel", Address: "01:02:03:04:05:06"},
		connmgr.Device{Address: "0A:0B:0C:0D:0E:0F"},
	)

	out, err := execute(t, nil, "paired")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Pixel")
	assert.Contains(t, out, "Unknown Device")

	out, err = execute(t, nil, "paired", "-o", "json")
	require.NoError(t, err)
	var rows []deviceRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Equal(t, []deviceRow{
		{Name: "Pixel", Address: "01:02:03:04:05:06"},
		{Name: "Unknown Device", Address: "0A:0B:0C:0D:0E:0F"},
	}, rows)
}

func TestPaired_Empty(t *testing.T) {
	useFake(t)
	out, err := execute(t, nil, "paired")
	require.NoError(t, err)
	assert.Contains(t, out, "No paired devices.")
}

func TestInfo(t *testing.T) {
	useFake(t)
	out, err := execute(t, nil, "info", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: fake-host")
	assert.Contains(t, out, "enabled: true")
	assert.Contains(t, out, "permissions: true")
}

func TestScan(t *testing.T) {
	fake := useFake(t)
	fake.AddNearby(
		connmgr.Device{Name: "Galaxy", Address: "0A:0B:0C:0D:0E:0F"},
		connmgr.Device{Name: "Galaxy", Address: "0A:0B:0C:0D:0E:0F"},
	)
	out, err := execute(t, nil, "scan", "--timeout", "0s")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "0A:0B:0C:0D:0E:0F"))
}

func TestScan_Timeout(t *testing.T) {
	fake := useFake(t)
	fake.HoldScan(true)
	fake.AddNearby(connmgr.Device{Name: "Galaxy", Address: "0A:0B:0C:0D:0E:0F"})

	start := time.Now()
	out, err := execute(t, nil, "scan", "--timeout", "50ms")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, out, "Galaxy")
}

func TestConfigError(t *testing.T) {
	useFake(t)
	_, err := execute(t, nil, "paired", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConnect_Chat(t *testing.T) {
	fake := useFake(t)
	fake.SetReachable("AA:BB:CC:DD:EE:FF", true, false)

	got := make(chan string, 1)
	go func() {
		peer := <-fake.Peers()
		defer peer.Close()
		line, _ := bufio.NewReader(peer).ReadString('\n')
		got <- line
	}()

	out, err := execute(t, strings.NewReader("hello\n/quit\n"), "connect", "AA:BB:CC:DD:EE:FF", "--download-dir", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", <-got)
	assert.Contains(t, out, "connecting to AA:BB:CC:DD:EE:FF")
}

func TestConnect_LongLine(t *testing.T) {
	fake := useFake(t)
	fake.SetReachable("AA:BB:CC:DD:EE:FF", true, false)

	got := make(chan string, 1)
	go func() {
		peer := <-fake.Peers()
		defer peer.Close()
		line, _ := bufio.NewReader(peer).ReadString('\n')
		got <- line
	}()

	long := strings.Repeat("x", 100_000)
	_, err := execute(t, strings.NewReader(long+"\n/quit\n"), "connect", "AA:BB:CC:DD:EE:FF", "--download-dir", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, long+"\n", <-got)
}

func TestConnect_InputLineTooLong(t *testing.T) {
	fake := useFake(t)
	fake.SetReachable("AA:BB:CC:DD:EE:FF", true, false)

	in := strings.NewReader(strings.Repeat("x", maxInputLine+1))
	_, err := execute(t, in, "connect", "AA:BB:CC:DD:EE:FF", "--download-dir", t.TempDir())
	require.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Contains(t, err.Error(), "read input")
}

func TestConnect_Unreachable(t *testing.T) {
	useFake(t)
	_, err := execute(t, strings.NewReader(""), "connect", "AA:BB:CC:DD:EE:FF")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection failed")
}

func TestServe_ReceivesFile(t *testing.T) {
	fake := useFake(t)
	dir := t.TempDir()
	stdin, typing := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, stdin, "serve", "--download-dir", dir)
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	remote, err := fake.Connect(ctx, "11:22:33:44:55:66")
	require.NoError(t, err)
	defer remote.Close()
	require.NoError(t, framing.WriteFile(remote, "../notes.txt", []byte("hi")))

	saved := filepath.Join(dir, "notes.txt")
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(saved)
		return err == nil && string(b) == "hi"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = typing.Write([]byte("/quit\n"))
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not exit")
	}
	_ = typing.Close()
}

func TestSaveFile(t *testing.T) {
	dir := t.TempDir()
	path, err := saveFile(dir, "../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "passwd"), path)

	_, err = saveFile(dir, "", []byte("x"))
	require.Error(t, err)
}
