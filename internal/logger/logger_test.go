package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	log.Debug("dropped too")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}

	log.Warn("kept", "repo", "org/example-tokenizer")
	out := buf.String()
	if !strings.Contains(out, `"msg":"kept"`) {
		t.Fatalf("expected warn record, got: %s", out)
	}
	if !strings.Contains(out, `"repo":"org/example-tokenizer"`) {
		t.Fatalf("expected repo attr, got: %s", out)
	}
}

func TestTextWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelInfo).With("fetch_id", "abc")
	log.Info("resolved")
	if !strings.Contains(buf.String(), "fetch_id=abc") {
		t.Fatalf("expected fetch_id attr, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	// Should not panic at any level.
	log.Debug("x")
	log.Error("y")
	log.With("k", "v").WithGroup("g").Warn("z")
}

func TestSetup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		format   string
		terminal bool
		want     string
	}{
		{"auto on terminal", "auto", true, "INF"},
		{"auto off terminal", "auto", false, "level=INFO"},
		{"empty means auto", "", false, "level=INFO"},
		{"explicit pretty", "pretty", false, "INF"},
		{"explicit json", "JSON", true, `"level":"INFO"`},
		{"explicit text", "text", true, "level=INFO"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log, err := Setup(&buf, tc.format, slog.LevelInfo, tc.terminal)
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			log.Info("hello")
			if !strings.Contains(buf.String(), tc.want) {
				t.Fatalf("expected %q in output, got: %s", tc.want, buf.String())
			}
		})
	}
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	if _, err := Setup(&bytes.Buffer{}, "xml", slog.LevelInfo, false); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
	if !NewPrettyHandler(&bytes.Buffer{}, nil).Enabled(context.Background(), slog.LevelInfo) {
		t.Error("nil options should default to info")
	}
}

func TestPrettyHandlerAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil).WithAttrs([]slog.Attr{slog.String("cmd", "fetch")}))
	log.Info("wrote", "files", 4, "took", 1500*time.Microsecond, "path", "out dir")

	out := buf.String()
	for _, want := range []string{"INF", "wrote", "cmd=fetch", "files=4", "took=2ms", `path="out dir"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestPrettyHandlerGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	log := slog.New(h.WithGroup("hub").WithGroup("http"))
	log.Info("request", "status", 200, slog.Group("file", "name", "tokenizer.json"))

	out := buf.String()
	if !strings.Contains(out, "hub.http.status=200") {
		t.Fatalf("expected nested group prefix, got: %s", out)
	}
	if !strings.Contains(out, "hub.http.file.name=tokenizer.json") {
		t.Fatalf("expected group attr flattened, got: %s", out)
	}
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the same handler")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"simple", false},
		{"org/example-tokenizer", false},
		{"has space", true},
		{"has\ttab", true},
		{`has"quote`, true},
		{"k=v", true},
		{"", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.want {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
