package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"idremap/internal/engine"
)

const realMAC = "3c:22:fb:01:02:03"

const contextJSON = `{
  "package": "com.example.app",
  "signatures": ["c2lnbmluZy1jZXJ0aWZpY2F0ZQ=="],
  "first_install_time": "2024-01-02T03:04:05Z",
  "attributes": {
    "mac": "3c:22:fb:01:02:03",
    "serial": "REALSERIAL01",
    "android-id": "1111222233334444"
  }%s
}`

type env struct {
	dir     string
	config  string
	context string
}

func newEnv(t *testing.T, extra string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:     dir,
		config:  filepath.Join(dir, "config.toml"),
		context: filepath.Join(dir, "context.json"),
	}
	data := strings.Replace(contextJSON, "%s", extra, 1)
	if err := os.WriteFile(e.context, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{
		"--config", e.config,
		"--context", e.context,
		"--data-dir", filepath.Join(e.dir, "installs"),
	}, args...)
	code := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestKinds(t *testing.T) {
	out, stderr, code := newEnv(t, "").run(t, "kinds")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, want := range []string{"network-address", "android.net.wifi.WifiInfo#getMacAddress", "serial"} {
		if !strings.Contains(out, want) {
			t.Errorf("kinds output missing %q:\n%s", want, out)
		}
	}
}

func TestInfoNeverPrintsValues(t *testing.T) {
	out, stderr, code := newEnv(t, "").run(t, "info")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "package: com.example.app") || !strings.Contains(out, "handle:") {
		t.Errorf("info output:\n%s", out)
	}
	if strings.Contains(out+stderr, realMAC) || strings.Contains(out+stderr, "REALSERIAL01") {
		t.Error("real value printed")
	}
}

func TestInitGetModifyArePersistent(t *testing.T) {
	e := newEnv(t, "")

	out, stderr, code := e.run(t, "init")
	if code != 0 {
		t.Fatalf("init exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "status:     ok (0)") || !strings.Contains(out, "generation: 1") {
		t.Errorf("init output:\n%s", out)
	}

	mac1, _, code := e.run(t, "get", "mac")
	if code != 0 {
		t.Fatalf("get exit %d", code)
	}
	mac2, _, _ := e.run(t, "get", "wifi.mac")
	if mac1 != mac2 {
		t.Errorf("substitute changed across runs: %q vs %q", mac1, mac2)
	}
	if strings.TrimSpace(mac1) == realMAC {
		t.Error("get returned the real address")
	}

	v1, _, code := e.run(t, "modify", "123456789")
	if code != 0 {
		t.Fatalf("modify exit %d", code)
	}
	v2, _, _ := e.run(t, "modify", "123456789")
	if v1 != v2 || strings.HasPrefix(v1, "-") {
		t.Errorf("modify not stable: %q vs %q", v1, v2)
	}
}

func TestModifyInvalidInput(t *testing.T) {
	_, stderr, code := newEnv(t, "").run(t, "modify", "")
	if code != 10-int(engine.StatusInvalidInput) {
		t.Errorf("exit %d: %s", code, stderr)
	}
}

func TestAuditLogRecordsStartupAndFailure(t *testing.T) {
	e := newEnv(t, "")
	audit := filepath.Join(e.dir, "audit.log")

	_, stderr, code := e.run(t, "--audit-log", audit, "modify", "")
	if code != 10-int(engine.StatusInvalidInput) {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	data, err := os.ReadFile(audit)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"event_type":"startup"`, `"event_type":"error"`, `"action":"modify"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("audit log missing %s:\n%s", want, data)
		}
	}
}

func TestRegenerate(t *testing.T) {
	e := newEnv(t, "")
	audit := filepath.Join(e.dir, "audit.log")

	before, _, code := e.run(t, "get", "serial")
	if code != 0 {
		t.Fatalf("get exit %d", code)
	}
	out, stderr, code := e.run(t, "--audit-log", audit, "regenerate")
	if code != 0 {
		t.Fatalf("regenerate exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "generation: 2") {
		t.Errorf("regenerate output:\n%s", out)
	}
	after, _, _ := e.run(t, "get", "serial")
	if before == after {
		t.Error("serial unchanged after regenerate")
	}

	data, err := os.ReadFile(audit)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"event_type":"regenerate"`) || !strings.Contains(string(data), `"event_type":"init"`) {
		t.Errorf("audit log:\n%s", data)
	}
}

func TestDeniedAttributeIsPartial(t *testing.T) {
	out, stderr, code := newEnv(t, `,
  "denied": ["mac"]`).run(t, "init")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "partial (1)") || !strings.Contains(out, "permission-denied") {
		t.Errorf("init output:\n%s", out)
	}
}

func TestInvalidConfig(t *testing.T) {
	e := newEnv(t, "")
	if err := os.WriteFile(e.config, []byte("[storage]\nbackend = \"etcd\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, stderr, code := e.run(t, "init")
	if code != 1 || !strings.Contains(stderr, "storage.backend") {
		t.Errorf("exit %d: %s", code, stderr)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	e := newEnv(t, "")
	path := filepath.Join(e.dir, "written.toml")
	out, stderr, code := e.run(t, "config", "init", path)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if strings.TrimSpace(out) != path {
		t.Errorf("config init output %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}

	out, _, code = e.run(t, "--memory", "config", "show")
	if code != 0 || !strings.Contains(out, `backend = "memory"`) {
		t.Errorf("config show (%d):\n%s", code, out)
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(&statusError{op: "init", status: engine.StatusStorage}) != 12 {
		t.Error("storage failure should exit 12")
	}
	if exitCode(errors.New("boom")) != 1 {
		t.Error("plain errors should exit 1")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServe(t *testing.T) {
	e := newEnv(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{
			"--config", e.config,
			"--context", e.context,
			"--memory",
			"serve", "--listen", "127.0.0.1:0", "--watch=false",
		}, &stdout, &stderr)
	}()

	var addr string
	deadline := time.Now().Add(10 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		if _, rest, ok := strings.Cut(stdout.String(), "listening on "); ok {
			addr = strings.TrimSpace(rest)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server did not start: %s", stderr.String())
	}

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, body := get("/healthz"); code != http.StatusOK {
		t.Errorf("healthz = %d %s", code, body)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "idremap_init_total 1") {
		t.Errorf("metrics = %d\n%s", code, body)
	}

	if code, body := get("/readyz"); code != http.StatusOK || !strings.Contains(body, `"interception"`) {
		t.Errorf("readyz = %d\n%s", code, body)
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("serve exit %d: %s", code, stderr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
