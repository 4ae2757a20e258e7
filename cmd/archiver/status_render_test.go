package main

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"videoarchiver/internal/engine"
	"videoarchiver/internal/health"
	"videoarchiver/internal/ipc"
	"videoarchiver/internal/persistence"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Daemon:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestStatusLinesFlagProblems(t *testing.T) {
	resp := &ipc.StatusResponse{
		Running: true,
		PID:     42,
		Queue:   engine.Status{Paused: true, Completed: 1, Failed: 3, SuccessRate: 25, Capacity: 100},
		Persistence: persistence.Status{
			ConsecutiveFailures: 2,
			LastError:           "disk full",
		},
	}
	joined := strings.Join(statusLines(resp, false), "\n")
	for _, want := range []string{
		"[OK] Running (pid 42",
		"[WARN] Paused, 0 in flight",
		"[WARN] 25.0%",
		"[ERROR] 2 consecutive save failures: disk full",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "API:") {
		t.Fatalf("expected no API line without an address:\n%s", joined)
	}
}

func TestHumanLabel(t *testing.T) {
	cases := map[string]string{
		"queue_depth": "Queue Depth",
		"transient":   "Transient",
		" processing": "Processing",
		"":            "",
	}
	for in, want := range cases {
		if got := humanLabel(in); got != want {
			t.Errorf("humanLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLevelKind(t *testing.T) {
	if levelKind(health.LevelHealthy) != statusOK || levelKind(health.LevelWarning) != statusWarn || levelKind(health.LevelCritical) != statusError {
		t.Fatal("unexpected level mapping")
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatBytes(512); got != "512 B" {
		t.Errorf("formatBytes(512) = %q", got)
	}
	if got := formatBytes(3 << 20); got != "3.0 MiB" {
		t.Errorf("formatBytes(3MiB) = %q", got)
	}
	if got := formatDuration(0); got != "-" {
		t.Errorf("formatDuration(0) = %q", got)
	}
	if got := formatDuration(1500 * time.Millisecond); got != "2s" {
		t.Errorf("formatDuration(1.5s) = %q", got)
	}
	if got := formatPercent(0.5); got != "50.0%" {
		t.Errorf("formatPercent(0.5) = %q", got)
	}
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Errorf("truncate = %q", got)
	}
	if got := shortID("0123456789"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}
