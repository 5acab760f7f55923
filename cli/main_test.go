package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sliverarmory/machpipe"
	"github.com/sliverarmory/machpipe/internal/capture"
	"github.com/sliverarmory/machpipe/internal/hosttest"
)

func newTestApp(t *testing.T, fake *hosttest.Fake) (*app, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	testApp := newApp(&stdout, &stderr)
	testApp.system = fake
	testApp.getenv = func(string) string { return "" }
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	return testApp, &stdout, &stderr
}

func newTestFake() *hosttest.Fake {
	return &hosttest.Fake{
		Self:       0x203,
		Registered: map[machpipe.Task][]machpipe.Port{0x203: {0x1303, 0x1407}},
		Services:   map[string]machpipe.Port{"com.apple.example": 0x1303},
	}
}

func TestMissingServiceNameMakesNoHostCalls(t *testing.T) {
	fake := newTestFake()
	var calls []string
	fake.OnCall = func(name string) { calls = append(calls, name) }
	testApp, stdout, _ := newTestApp(t, fake)

	code := run(nil, stdout, &bytes.Buffer{}, testApp)
	if code != -1 {
		t.Fatalf("exit status = %d, want -1", code)
	}
	if !strings.Contains(stdout.String(), "XPC Service Name is missing") || !strings.Contains(stdout.String(), "machpipe <xpc_service_name>") {
		t.Fatalf("usage not printed: %q", stdout.String())
	}
	if len(calls) != 0 {
		t.Fatalf("host was called without a service name: %v", calls)
	}
}

func TestProbeKnownService(t *testing.T) {
	testApp, stdout, stderr := newTestApp(t, newTestFake())

	if code := run([]string{"com.apple.example"}, stdout, stderr, testApp); code != 0 {
		t.Fatalf("exit status = %d, stderr %q", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "[+] com.apple.example (port 0x1303)") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestProbeUnknownServiceFails(t *testing.T) {
	testApp, stdout, stderr := newTestApp(t, newTestFake())

	code := run([]string{"--format", "json", "com.example.missing"}, stdout, stderr, testApp)
	if code != 1 {
		t.Fatalf("exit status = %d, want 1", code)
	}
	var report machpipe.Report
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if report.OK || report.Class != machpipe.ClassInvalidTarget || !strings.Contains(report.Reason, "Unknown service name") {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestProbeCapturesReports(t *testing.T) {
	testApp, stdout, stderr := newTestApp(t, newTestFake())
	capturePath := filepath.Join(t.TempDir(), "probes.cbor")

	for _, service := range []string{"com.apple.example", "com.example.missing"} {
		run([]string{"--capture", capturePath, service}, stdout, stderr, testApp)
	}

	file, err := os.Open(capturePath)
	if err != nil {
		t.Fatalf("open capture: %v", err)
	}
	defer file.Close()
	records, err := capture.ReadAll(file)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 || !records[0].Report.OK || records[1].Report.OK {
		t.Fatalf("unexpected capture %+v", records)
	}
}

func TestConfigFileAndFlagOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machpipe.yaml")
	data := "flags: 3\ntimeout: 2s\nconcurrency: 8\nlog_level: debug\nformat: json\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	testApp, stdout, stderr := newTestApp(t, newTestFake())
	testApp.getenv = func(key string) string {
		if key == configEnv {
			return path
		}
		return ""
	}
	if code := run([]string{"--timeout", "500ms", "com.apple.example"}, stdout, stderr, testApp); code != 0 {
		t.Fatalf("exit status = %d, stderr %q", code, stderr.String())
	}

	want := config{Flags: 3, Timeout: 500 * time.Millisecond, Concurrency: 8, LogLevel: "debug", Format: "json"}
	if testApp.cfg != want {
		t.Fatalf("config = %+v, want %+v", testApp.cfg, want)
	}
	if !strings.Contains(stderr.String(), "level=DEBUG") {
		t.Fatalf("debug logging not enabled: %q", stderr.String())
	}
}

func TestExplicitMissingConfigIsAnError(t *testing.T) {
	testApp, stdout, stderr := newTestApp(t, newTestFake())
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	if code := run([]string{"--config", missing, "com.apple.example"}, stdout, stderr, testApp); code != 1 {
		t.Fatalf("exit status = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "read config") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestInvalidFormatRejected(t *testing.T) {
	testApp, stdout, stderr := newTestApp(t, newTestFake())
	if code := run([]string{"--format", "xml", "com.apple.example"}, stdout, stderr, testApp); code != 1 {
		t.Fatalf("exit status = %d, want 1", code)
	}
}

func TestPortsListing(t *testing.T) {
	testApp, stdout, stderr := newTestApp(t, newTestFake())

	if code := run([]string{"ports"}, stdout, stderr, testApp); code != 0 {
		t.Fatalf("exit status = %d, stderr %q", code, stderr.String())
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "task 0x203: 2 ports\n") || !strings.Contains(out, "0x1407") {
		t.Fatalf("unexpected listing %q", out)
	}
}

func TestPortsProbeReportsFailures(t *testing.T) {
	fake := newTestFake()
	fake.Routines = map[machpipe.Port]hosttest.RoutineFunc{
		0x1407: func(machpipe.Object) (machpipe.Object, machpipe.RoutineCode) { return nil, 32 },
	}
	testApp, stdout, stderr := newTestApp(t, fake)

	if code := run([]string{"ports", "--probe", "--concurrency", "2"}, stdout, stderr, testApp); code != 1 {
		t.Fatalf("exit status = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "[+] port 0x1303") || !strings.Contains(stdout.String(), "[-] port 0x1407") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "1 of 2 probes failed") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	if stats := fake.Stats(); stats.Deallocations != 1 {
		t.Fatalf("port set released %d times", stats.Deallocations)
	}
}

func TestListenPrintsEventsUntilInvalid(t *testing.T) {
	fake := newTestFake()
	testApp, stdout, stderr := newTestApp(t, fake)

	fake.OnCall = func(name string) {
		if name != "Connect" {
			return
		}
		go func() {
			for len(fake.Conns()) == 0 {
				time.Sleep(time.Millisecond)
			}
			conn := fake.Conns()[0]
			for conn.Deliver(machpipe.Event{Kind: machpipe.KindDictionary, Description: "<dictionary> { reply }"}) != nil {
				time.Sleep(time.Millisecond)
			}
			_ = conn.Deliver(machpipe.Event{Kind: machpipe.KindInvalid, Description: "Connection invalid"})
		}()
	}

	code := run([]string{"listen", "--send", "--duration", "5s", "com.apple.example"}, stdout, stderr, testApp)
	if code != 1 {
		t.Fatalf("exit status = %d, want 1 for an invalidated connection", code)
	}
	out := stdout.String()
	if !strings.Contains(out, "<dictionary> { reply }") || !strings.Contains(out, "connection-invalid") {
		t.Fatalf("unexpected output %q", out)
	}
	if got := fake.Conns()[0].Sent(); got != 1 {
		t.Fatalf("sent %d messages, want 1", got)
	}
}

func TestPortsProbeForeignNamesRejected(t *testing.T) {
	fake := newTestFake()
	fake.Tasks = map[int]machpipe.Task{4242: 0x1a03}
	testApp, stdout, stderr := newTestApp(t, fake)

	code := run([]string{"ports", "--probe", "--names", "--pid", "4242"}, stdout, stderr, testApp)
	if code != 1 {
		t.Fatalf("exit status = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "not valid in this IPC space") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	if stats := fake.Stats(); stats.PipesOpened != 0 || stats.TasksReleased != 1 {
		t.Fatalf("unexpected host traffic %+v", stats)
	}
}
