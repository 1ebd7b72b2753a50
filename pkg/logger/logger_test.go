package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitAndLevelString(t *testing.T) {
	Init("debug")
	if got := LevelString(); got != "debug" {
		t.Fatalf("LevelString() = %q, want %q", got, "debug")
	}
	Init("WARNING")
	if got := LevelString(); got != "warn" {
		t.Fatalf("LevelString() = %q, want %q", got, "warn")
	}
	Init("nonsense")
	if got := LevelString(); got != "info" {
		t.Fatalf("LevelString() = %q, want %q for unknown input", got, "info")
	}
}

func TestLevelFilteringWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	defer Init("info")

	Init("warn")
	Debugf("debug-msg")
	Infof("info-msg")
	Warnf("warn-msg %d", 7)
	Errorf("error-msg")

	out := buf.String()
	if strings.Contains(out, "debug-msg") || strings.Contains(out, "info-msg") {
		t.Fatalf("messages below warn should be suppressed: %q", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	var ev map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if ev["level"] != "warn" || ev["message"] != "warn-msg 7" {
		t.Fatalf("unexpected event: %v", ev)
	}
	if _, ok := ev["time"]; !ok {
		t.Fatalf("event should carry a timestamp: %v", ev)
	}
}

func TestPrintlnMapsToInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	defer Init("info")

	Init("warn")
	Println("hello")
	if strings.Contains(buf.String(), "hello") {
		t.Fatalf("Println should be suppressed at warn level")
	}

	Init("info")
	Println("hello", "world")
	if !strings.Contains(buf.String(), `"message":"hello world"`) {
		t.Fatalf("Println expected at info level, got: %q", buf.String())
	}
}

func TestRedact(t *testing.T) {
	if got := Redact(""); got != "<empty>" {
		t.Fatalf("Redact(empty) = %q", got)
	}
	if got := Redact("abc"); got != "***" {
		t.Fatalf("Redact(short) = %q", got)
	}
	if got := Redact("eyJhbGciOiJIUzI1NiJ9"); got != "eyJh***" {
		t.Fatalf("Redact(token) = %q", got)
	}
}
