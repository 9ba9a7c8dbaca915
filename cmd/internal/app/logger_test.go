package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		format string
		want   string
	}{
		{format: "json", want: `"msg":"server.start"`},
		{format: "", want: `"msg":"server.start"`},
		{format: "text", want: "msg=server.start"},
		{format: "pretty", want: "[INFO] server.start"},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		log := newLogger(&buf, "info", tc.format, false)
		log.Info("server.start", "addr", ":8080")
		log.Debug("server.debug")

		out := buf.String()
		if !strings.Contains(out, tc.want) {
			t.Fatalf("format=%q output %q missing %q", tc.format, out, tc.want)
		}
		if strings.Contains(out, "server.debug") {
			t.Fatalf("format=%q emitted a debug record at info level", tc.format)
		}
	}
}
