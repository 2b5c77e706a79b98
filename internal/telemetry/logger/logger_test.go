package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func capture(opts Options) (*bytes.Buffer, Logger) {
	buf := &bytes.Buffer{}
	opts.Output = buf
	return buf, New(opts)
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line %q is not JSON: %v", line, err)
	}
	return m
}

func TestJSONOutput(t *testing.T) {
	buf, l := capture(Options{Level: "info"})
	l.Info("kvset attached", "dgen", 7)

	m := decodeLine(t, buf)
	if m["msg"] != "kvset attached" {
		t.Errorf("msg = %v", m["msg"])
	}
	if m["dgen"] != float64(7) {
		t.Errorf("dgen = %v", m["dgen"])
	}
}

func TestTextOutput(t *testing.T) {
	buf, l := capture(Options{Level: "info", Format: "text"})
	l.Info("spill committed")
	if !strings.Contains(buf.String(), "spill committed") {
		t.Errorf("text output missing message: %q", buf.String())
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("text format produced JSON")
	}
}

func TestLevelFiltering(t *testing.T) {
	buf, l := capture(Options{Level: "warn"})
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("visible")
	if got := buf.String(); strings.Contains(got, "hidden") || !strings.Contains(got, "visible") {
		t.Errorf("level filtering broken: %q", got)
	}
}

func TestSetLevelAffectsExistingLoggers(t *testing.T) {
	buf, l := capture(Options{Level: "info"})
	l.Debug("early")
	SetLevel("debug")
	defer SetLevel("info")
	l.Debug("late")

	got := buf.String()
	if strings.Contains(got, "early") {
		t.Error("debug line emitted before SetLevel(debug)")
	}
	if !strings.Contains(got, "late") {
		t.Error("debug line missing after SetLevel(debug)")
	}
}

func TestUnknownLevelAndFormatFallBack(t *testing.T) {
	buf, l := capture(Options{Level: "shouting", Format: "yaml"})
	l.Info("still logged")
	m := decodeLine(t, buf)
	if m["msg"] != "still logged" {
		t.Errorf("fallback logger dropped the line: %v", m)
	}
}

func TestWithNodeAndJobScoping(t *testing.T) {
	buf, l := capture(Options{Level: "info"})
	l.WithNode(3).WithJob(42, "SPILL").Info("applied")

	m := decodeLine(t, buf)
	if m["node"] != float64(3) || m["job"] != float64(42) || m["action"] != "SPILL" {
		t.Errorf("scoped fields missing: %v", m)
	}
}

func TestRedactionOfRawKeyBytes(t *testing.T) {
	buf, l := capture(Options{Level: "info"})
	l.Info("probe", "raw_key", "user:alice", "dgen", 1)

	m := decodeLine(t, buf)
	if m["raw_key"] != redactedValue {
		t.Errorf("raw_key = %v, want redacted", m["raw_key"])
	}
	if m["dgen"] != float64(1) {
		t.Errorf("benign field damaged: %v", m["dgen"])
	}
}

func TestDefaultIsStableAndReplaceable(t *testing.T) {
	orig := Default()
	if orig == nil || Default() != orig {
		t.Fatal("Default not stable")
	}

	buf := &bytes.Buffer{}
	repl := New(Options{Output: buf})
	SetDefault(repl)
	defer SetDefault(orig)
	if Default() != repl {
		t.Fatal("SetDefault did not take")
	}
	Default().Info("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Error("replaced default logger not used")
	}
}
