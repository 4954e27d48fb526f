package rpc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/geilt/tairseach/internal/manifest"
	"github.com/geilt/tairseach/internal/rpc"
)

func startTestServer(t *testing.T) (socketPath string, stop func()) {
	t.Helper()
	reg := manifest.NewRegistry(manifest.DefaultTiers(t.TempDir()), nil)
	d := rpc.NewDispatcher(reg, newTestBroker(t), rpc.AlwaysGranted{}, nil)
	d.RegisterInternal("echo.say", func(ctx context.Context, peer rpc.PeerInfo, params json.RawMessage, creds rpc.Credentials) (any, error) {
		return "pong", nil
	})

	socketPath = filepath.Join(t.TempDir(), "sock", "tairseach.sock")
	srv := rpc.NewServer(socketPath, d, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	return socketPath, func() {
		cancel()
		srv.Close()
		<-done
	}
}

func TestServer_RoundTripOverUnixSocket(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"nope"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (line=%q)", err, line)
	}
	if resp.Error == nil || resp.Error.Code != rpc.ErrMethodNotFound {
		t.Fatalf("expected ErrMethodNotFound, got %+v", resp.Error)
	}
}

func TestServer_NotificationProducesNoBytes(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"jsonrpc":"2.0","method":"nope"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Follow with a real request; if the notification had produced output
	// we would read it here instead of this response.
	if _, err := conn.Write([]byte(`{"jsonrpc":"2.0","id":9,"method":"echo.say"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var resp struct {
		ID     int    `json:"id"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (line=%q)", err, line)
	}
	if resp.ID != 9 || resp.Result != "pong" {
		t.Fatalf("expected id=9 result=pong, got %+v", resp)
	}
}

func TestServer_BatchRequestReturnsArray(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	batch := `[{"jsonrpc":"2.0","id":1,"method":"echo.say"},{"jsonrpc":"2.0","method":"notify-only"}]` + "\n"
	if _, err := conn.Write([]byte(batch)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var resp []struct {
		ID     int    `json:"id"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (line=%q)", err, line)
	}
	if len(resp) != 1 || resp[0].ID != 1 || resp[0].Result != "pong" {
		t.Fatalf("expected a single surviving result, got %+v", resp)
	}
}

func TestServer_EmptyBatchReturnsInvalidRequest(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("[]\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (line=%q)", err, line)
	}
	if resp.Error == nil || resp.Error.Code != rpc.ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest for an empty batch, got %+v", resp.Error)
	}
}
