package termout

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sliverarmory/machpipe"
)

func TestSanitizeEscapesControlsButKeepsLayout(t *testing.T) {
	cases := map[string]string{
		"plain":                "plain",
		"a\tb\nc":              "a\tb\nc",
		"hi\x1b[31mred":        `hi\x1b[31mred`,
		"nul:\x00":             `nul:\x00`,
		"bad:\xff":             `bad:\xff`,
		"<dictionary> { }\r\n": `<dictionary> { }\x0d` + "\n",
	}
	for input, want := range cases {
		if got := Sanitize(input); got != want {
			t.Fatalf("Sanitize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestReportTextFailureIsReadable(t *testing.T) {
	var buf bytes.Buffer
	printer := NewPrinter(&buf, false, false)
	err := printer.Report(machpipe.Report{
		Target: "com.example.missing",
		Reason: "bootstrap_look_up com.example.missing: Unknown service name",
		Class:  machpipe.ClassInvalidTarget,
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	want := "[-] com.example.missing: bootstrap_look_up com.example.missing: Unknown service name [invalid-target]\n"
	if buf.String() != want {
		t.Fatalf("output = %q, want %q", buf.String(), want)
	}
}

func TestReportTextSanitizesReply(t *testing.T) {
	var buf bytes.Buffer
	printer := NewPrinter(&buf, false, false)
	if err := printer.Report(machpipe.Report{Target: "svc", Port: 0x1303, OK: true, Reply: "evil\x1b]0;title\x07"}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if strings.ContainsRune(buf.String(), 0x1b) {
		t.Fatalf("escape byte reached the terminal: %q", buf.String())
	}
	if !strings.HasPrefix(buf.String(), "[+] svc (port 0x1303)\n") {
		t.Fatalf("unexpected header: %q", buf.String())
	}
}

func TestPortsJSON(t *testing.T) {
	var buf bytes.Buffer
	printer := NewPrinter(&buf, true, true)
	entries := []machpipe.PortEntry{
		{Port: 0x103, Rights: machpipe.RightSend},
		{Port: 0x207, Rights: machpipe.RightReceive | machpipe.RightSend},
	}
	if err := printer.Ports(machpipe.Task(0x203), entries, true); err != nil {
		t.Fatalf("Ports: %v", err)
	}

	var listing struct {
		Task  uint32 `json:"task"`
		Count int    `json:"count"`
		Ports []struct {
			Port   uint32 `json:"port"`
			Rights string `json:"rights"`
		} `json:"ports"`
	}
	if err := json.Unmarshal(buf.Bytes(), &listing); err != nil {
		t.Fatalf("decode output %q: %v", buf.String(), err)
	}
	if listing.Count != 2 || len(listing.Ports) != 2 {
		t.Fatalf("unexpected listing: %+v", listing)
	}
	if listing.Ports[1].Rights != "send,receive" {
		t.Fatalf("rights = %q, want send,receive", listing.Ports[1].Rights)
	}
}
