package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("component", "chat").Info("chat.message.sent",
		"conversation_id", int64(12),
		"sender_type", "Staff",
		"content_preview", "hello world",
		slog.Group("http", "status", 201, "duration_ms", int64(4)),
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=chat.message.sent",
		"component=chat",
		"conversation_id=12",
		"sender_type=Staff",
		`content_preview="hello world"`,
		"http.status=201",
		"http.duration_ms=4",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected ANSI codes in plain output: %q", line)
	}
}

func TestPrettyHandler_RemapsTopLevelHTTPKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("http.request", "method", "get", "status", 404, "status_class", "4xx", "duration_ms", int64(1500))

	line := stripANSI(buf.String())
	for _, want := range []string{"lvl=[WARN]", "method=GET", "status=404", "class=4xx", "duration=1500ms"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if !strings.Contains(buf.String(), ansiRed+"1500ms") {
		t.Fatalf("expected slow request to be highlighted: %q", buf.String())
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("ignored")
	log.Debug("ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
}
