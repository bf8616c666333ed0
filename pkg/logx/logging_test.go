package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("shown",
		Int("n", 3),
		Bool("ok", true),
		Strings("names", []string{"a", "b"}),
		Duration("took", 1500*time.Millisecond),
		Err(nil),
	)

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("lines = %v", lines)
	}
	got := lines[0]
	if got["message"] != "shown" || got["comp"] != "test" || got["n"] != float64(3) || got["ok"] != true {
		t.Fatalf("record = %v", got)
	}
	if _, ok := got["err"]; ok {
		t.Fatal("nil error was logged")
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", got["caller"])
	}
}

func TestLaterFieldWins(t *testing.T) {
	var buf bytes.Buffer
	NewJSON(&buf, "debug").With(String("k", "first")).Warn("x", Err(errors.New("boom")), String("k", "second"))
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("error missing: %s", buf.String())
	}
	// zerolog keeps duplicate keys; json.Unmarshal keeps the last one.
	if got := decodeLines(t, buf.Bytes())[0]["k"]; got != "second" {
		t.Fatalf("k = %v", got)
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger not reported zero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop reported zero")
	}
	if zero.With(String("a", "b")).IsZero() {
		t.Fatal("logger with fields reported zero")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"trace":   zerolog.TraceLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})

	log.Info("before")
	log.Warn("kept")
	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at warn")
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not reach an existing logger")
	}
	log.Debug("after")
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var msgs []string
	for _, rec := range decodeLines(t, b) {
		msgs = append(msgs, rec["message"].(string))
	}
	if strings.Join(msgs, ",") != "kept,after" {
		t.Fatalf("messages = %v", msgs)
	}
}
