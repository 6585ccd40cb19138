package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(3) // debug level
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Error("e")
	l.Warn("w")
	l.Info("i")
	l.Verbose("v")
	l.Debug("d")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), output)
	}

	wantPrefixes := []string{"[ERR]", "[WRN]", "[INF]", "[VRB]", "[DBG]"}
	for i, prefix := range wantPrefixes {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d %q missing prefix %q", i, lines[i], prefix)
		}
	}
}

func TestLogger_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(0) // quiet
	l.SetOutput(&buf)

	l.Warn("should not appear")
	l.Info("should not appear")
	l.Verbose("should not appear")
	l.Debug("should not appear")
	l.Error("always appears")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 1 {
		t.Errorf("expected 1 line in quiet mode, got %d:\n%s", len(lines), output)
	}
}

func TestLogger_Timestamps(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(true)

	l.Info("test")

	// Timestamp format is "HH:MM:SS.mmm [INF] test"
	output := buf.String()
	if !strings.Contains(output, ":") || !strings.Contains(output, " [INF] test") {
		t.Errorf("expected timestamp prefix, got %q", output)
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)

	l.With("conn", 7).With("peer", "10.0.0.1:5000").Info("hello")

	got := strings.TrimSpace(buf.String())
	want := "[INF] hello conn=7 peer=10.0.0.1:5000"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLogger_ChildSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	child := l.With("k", "v")
	l.SetOutput(&buf)

	child.Warn("late output switch")
	if !strings.Contains(buf.String(), "[WRN] late output switch k=v") {
		t.Errorf("child did not follow parent output: %q", buf.String())
	}
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetJSON(true)

	l.With("conn", 3).Info("structured")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %v (%q)", err, buf.String())
	}
	if line["msg"] != "structured" || line["level"] != "info" {
		t.Errorf("unexpected JSON line: %v", line)
	}
}

func TestLogger_SetTimestampsWhileLogging(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := l.With("conn", i)
			for j := 0; j < 50; j++ {
				child.Info("event %d", j)
			}
		}(i)
	}
	for j := 0; j < 50; j++ {
		l.SetTimestamps(j%2 == 0)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 200 {
		t.Fatalf("expected 200 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, "[INF] event ") {
			t.Errorf("malformed line %q", line)
		}
	}
}
