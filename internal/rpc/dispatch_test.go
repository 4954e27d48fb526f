package rpc_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/geilt/tairseach/internal/audit"
	"github.com/geilt/tairseach/internal/broker"
	"github.com/geilt/tairseach/internal/manifest"
	"github.com/geilt/tairseach/internal/oauth"
	"github.com/geilt/tairseach/internal/rpc"
	"github.com/geilt/tairseach/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, evt audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

const echoManifestJSON = `{
  "manifest_version": "1.0.0",
  "id": "com.example.echo",
  "name": "Echo",
  "tools": [
    {"name": "echo_say", "input_schema": {"type": "object", "required": ["text"], "properties": {"text": {"type": "string"}}}}
  ],
  "implementation": {
    "kind": "internal",
    "module": "echo",
    "methods": {"echo_say": "echo.Say"}
  }
}`

func newTestRegistry(t *testing.T, manifestJSON string) *manifest.Registry {
	t.Helper()
	base := t.TempDir()
	tiers := manifest.DefaultTiers(base)
	if err := os.MkdirAll(tiers[1].Path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tiers[1].Path, "echo.json"), []byte(manifestJSON), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	reg := manifest.NewRegistry(tiers, nil)
	if _, err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return reg
}

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	st, err := store.Open(t.TempDir(), testKey())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return broker.New(st, oauth.NewRegistry(), nil)
}

type denyingProbe struct{ status rpc.PermissionStatus }

func (p denyingProbe) Check(ctx context.Context, permission string) (rpc.PermissionStatus, error) {
	return p.status, nil
}

func TestDispatcher_InternalToolRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, echoManifestJSON)
	d := rpc.NewDispatcher(reg, newTestBroker(t), rpc.AlwaysGranted{}, nil)
	d.RegisterInternal("echo.Say", func(ctx context.Context, peer rpc.PeerInfo, params json.RawMessage, creds rpc.Credentials) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(params, &p)
		return map[string]string{"echoed": p.Text}, nil
	})

	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"echo_say","params":{"text":"hi"}}`)
	resp, isNotification := d.Handle(context.Background(), rpc.PeerInfo{}, raw)
	if isNotification {
		t.Fatal("expected a response, got notification")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]string)
	if !ok || result["echoed"] != "hi" {
		t.Errorf("result = %+v, want echoed=hi", resp.Result)
	}
}

func TestDispatcher_InvalidParamsRejectedBySchema(t *testing.T) {
	reg := newTestRegistry(t, echoManifestJSON)
	d := rpc.NewDispatcher(reg, newTestBroker(t), rpc.AlwaysGranted{}, nil)
	d.RegisterInternal("echo.Say", func(ctx context.Context, peer rpc.PeerInfo, params json.RawMessage, creds rpc.Credentials) (any, error) {
		return nil, nil
	})

	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"echo_say","params":{}}`)
	resp, _ := d.Handle(context.Background(), rpc.PeerInfo{}, raw)
	if resp.Error == nil || resp.Error.Code != rpc.ErrInvalidParams {
		t.Fatalf("expected ErrInvalidParams, got %+v", resp.Error)
	}
}

func TestDispatcher_MethodNotFound(t *testing.T) {
	reg := manifest.NewRegistry(manifest.DefaultTiers(t.TempDir()), nil)
	d := rpc.NewDispatcher(reg, newTestBroker(t), rpc.AlwaysGranted{}, nil)

	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"nope"}`)
	resp, _ := d.Handle(context.Background(), rpc.PeerInfo{}, raw)
	if resp.Error == nil || resp.Error.Code != rpc.ErrMethodNotFound {
		t.Fatalf("expected ErrMethodNotFound, got %+v", resp.Error)
	}
}

func TestDispatcher_InvalidRequestMissingMethod(t *testing.T) {
	reg := manifest.NewRegistry(manifest.DefaultTiers(t.TempDir()), nil)
	d := rpc.NewDispatcher(reg, newTestBroker(t), rpc.AlwaysGranted{}, nil)

	raw := []byte(`{"jsonrpc":"2.0","id":1}`)
	resp, _ := d.Handle(context.Background(), rpc.PeerInfo{}, raw)
	if resp.Error == nil || resp.Error.Code != rpc.ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %+v", resp.Error)
	}
}

func TestDispatcher_NotificationProducesNoResponse(t *testing.T) {
	reg := manifest.NewRegistry(manifest.DefaultTiers(t.TempDir()), nil)
	d := rpc.NewDispatcher(reg, newTestBroker(t), rpc.AlwaysGranted{}, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"nope"}`)
	_, isNotification := d.Handle(context.Background(), rpc.PeerInfo{}, raw)
	if !isNotification {
		t.Fatal("expected a request with no id to be treated as a notification")
	}
}

const permissionedManifestJSON = `{
  "manifest_version": "1.0.0",
  "id": "com.example.cam",
  "name": "Camera Tool",
  "requires": {"permissions": [{"name": "camera"}]},
  "tools": [{"name": "cam_snap"}],
  "implementation": {"kind": "internal", "module": "cam", "methods": {"cam_snap": "cam.Snap"}}
}`

func TestDispatcher_PermissionDenied(t *testing.T) {
	reg := newTestRegistry(t, permissionedManifestJSON)
	d := rpc.NewDispatcher(reg, newTestBroker(t), denyingProbe{status: rpc.PermissionDenied}, nil)
	d.RegisterInternal("cam.Snap", func(ctx context.Context, peer rpc.PeerInfo, params json.RawMessage, creds rpc.Credentials) (any, error) {
		return "should not run", nil
	})

	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"cam_snap"}`)
	resp, _ := d.Handle(context.Background(), rpc.PeerInfo{}, raw)
	if resp.Error == nil || resp.Error.Code != rpc.ErrPermissionDenied {
		t.Fatalf("expected ErrPermissionDenied, got %+v", resp.Error)
	}
}

func TestDispatcher_AuditRecordsDispatchAndDenial(t *testing.T) {
	reg := newTestRegistry(t, echoManifestJSON)
	rec := &recordingNotifier{}
	d := rpc.NewDispatcher(reg, newTestBroker(t), rpc.AlwaysGranted{}, nil)
	d.SetAudit(rec)
	d.RegisterInternal("echo.Say", func(ctx context.Context, peer rpc.PeerInfo, params json.RawMessage, creds rpc.Credentials) (any, error) {
		return "ok", nil
	})

	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"echo_say","params":{"text":"hi"}}`)
	if _, isNotification := d.Handle(context.Background(), rpc.PeerInfo{}, raw); isNotification {
		t.Fatal("expected a response")
	}

	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindRequestDispatched {
		t.Fatalf("kinds = %v, want [request.dispatched]", kinds)
	}

	camReg := newTestRegistry(t, permissionedManifestJSON)
	camD := rpc.NewDispatcher(camReg, newTestBroker(t), denyingProbe{status: rpc.PermissionDenied}, nil)
	camRec := &recordingNotifier{}
	camD.SetAudit(camRec)
	camD.RegisterInternal("cam.Snap", func(ctx context.Context, peer rpc.PeerInfo, params json.RawMessage, creds rpc.Credentials) (any, error) {
		return "should not run", nil
	})
	camD.Handle(context.Background(), rpc.PeerInfo{}, []byte(`{"jsonrpc":"2.0","id":1,"method":"cam_snap"}`))

	camKinds := camRec.kinds()
	if len(camKinds) != 1 || camKinds[0] != audit.KindPermissionDenied {
		t.Fatalf("kinds = %v, want [permission.denied]", camKinds)
	}
}
