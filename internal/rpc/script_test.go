package rpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/geilt/tairseach/internal/manifest"
)

func writeTestScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunScript_EchoesStdinAndClearsEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script entrypoints assume a POSIX shell")
	}
	dir := t.TempDir()
	script := `#!/bin/sh
if [ -n "$HOME_LEAK" ]; then
  echo '{"error":"leaked env"}'
  exit 1
fi
read line
echo "{\"tool\":\"$TAIRSEACH_TOOL\",\"action\":\"$TAIRSEACH_ACTION\",\"greeting\":\"$GREETING\"}"
`
	os.Setenv("HOME_LEAK", "should-not-appear")
	defer os.Unsetenv("HOME_LEAK")
	path := writeTestScript(t, dir, "tool.sh", script)

	spec := &manifest.ScriptSpec{
		Entrypoint: path,
		Env:        map[string]string{"GREETING": "{credential:svc-api:api_key}"},
	}
	binding := manifest.ScriptToolBinding{Action: "say"}
	creds := Credentials{"svc-api": {"api_key": "shh"}}

	result, err := runScript(context.Background(), spec, "greet.say", binding, json.RawMessage(`{"text":"hi"}`), creds)
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T, want map", result)
	}
	if m["tool"] != "greet.say" || m["action"] != "say" || m["greeting"] != "shh" {
		t.Errorf("result = %+v", m)
	}
}

func TestRunScript_NonJSONStdoutFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script entrypoints assume a POSIX shell")
	}
	dir := t.TempDir()
	path := writeTestScript(t, dir, "bad.sh", "#!/bin/sh\ncat >/dev/null\necho not-json\n")

	spec := &manifest.ScriptSpec{Entrypoint: path}
	binding := manifest.ScriptToolBinding{Action: "say"}

	_, err := runScript(context.Background(), spec, "greet.say", binding, json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatal("expected an error for non-JSON stdout")
	}
}

func TestRunScript_NonZeroExitFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script entrypoints assume a POSIX shell")
	}
	dir := t.TempDir()
	path := writeTestScript(t, dir, "fail.sh", "#!/bin/sh\ncat >/dev/null\nexit 7\n")

	spec := &manifest.ScriptSpec{Entrypoint: path}
	binding := manifest.ScriptToolBinding{Action: "say"}

	_, err := runScript(context.Background(), spec, "greet.say", binding, json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatal("expected an error for non-zero exit")
	}
}

func TestResolveEntrypoint_RelativeUsesScriptsDir(t *testing.T) {
	old := ScriptsDir
	ScriptsDir = "/opt/tairseach/scripts"
	defer func() { ScriptsDir = old }()

	got, err := resolveEntrypoint("tools/greet.sh")
	if err != nil {
		t.Fatalf("resolveEntrypoint: %v", err)
	}
	want := filepath.Join("/opt/tairseach/scripts", "tools/greet.sh")
	if got != want {
		t.Errorf("resolveEntrypoint = %q, want %q", got, want)
	}
}

func TestResolveEntrypoint_AbsolutePassesThrough(t *testing.T) {
	got, err := resolveEntrypoint("/usr/bin/true")
	if err != nil {
		t.Fatalf("resolveEntrypoint: %v", err)
	}
	if got != "/usr/bin/true" {
		t.Errorf("resolveEntrypoint = %q, want /usr/bin/true", got)
	}
}
