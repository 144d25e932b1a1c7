package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"help"}, nil, &stdout, &stderr)

	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if !strings.Contains(stdout.String(), "journalctl - zonejournal diagnostic CLI") {
		t.Fatalf("stdout missing usage title: %q", stdout.String())
	}
}

func TestRunNoSubcommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run(nil, nil, &stdout, &stderr)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(stderr.String(), "no subcommand given") {
		t.Fatalf("stderr = %q, want mention of missing subcommand", stderr.String())
	}
}

func TestRunInfoOnFreshJournal(t *testing.T) {
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer

	code := Run([]string{"-d", dir, "-z", "example.com", "info"}, nil, &stdout, &stderr)

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr.String())
	}

	if !strings.Contains(stdout.String(), "empty") {
		t.Fatalf("stdout = %q, want mention of empty journal", stdout.String())
	}
}

func TestRunCheckOnFreshJournal(t *testing.T) {
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer

	code := Run([]string{"-d", dir, "-z", "example.com", "check", "--full"}, nil, &stdout, &stderr)

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr.String())
	}

	if !strings.Contains(stdout.String(), "ok: true") {
		t.Fatalf("stdout = %q, want ok: true", stdout.String())
	}
}

func TestRunDropRequiresConfirmation(t *testing.T) {
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer

	code := Run([]string{"-d", dir, "-z", "example.com", "drop"}, nil, &stdout, &stderr)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(stderr.String(), "irreversible") {
		t.Fatalf("stderr = %q, want irreversible warning", stderr.String())
	}
}

func TestRunFlushThenExport(t *testing.T) {
	dir := t.TempDir()
	out := dir + "/snapshot.json"

	var stdout, stderr bytes.Buffer

	code := Run([]string{"-d", dir, "-z", "example.com", "flush"}, nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("flush exit code = %d, stderr = %q", code, stderr.String())
	}

	stdout.Reset()
	stderr.Reset()

	code = Run([]string{"-d", dir, "-z", "example.com", "export", out}, nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("export exit code = %d, stderr = %q", code, stderr.String())
	}

	if !strings.Contains(stdout.String(), "wrote "+out) {
		t.Fatalf("stdout = %q, want confirmation of write", stdout.String())
	}
}

func TestRunUnknownSubcommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"bogus"}, nil, &stdout, &stderr)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(stderr.String(), "unknown subcommand") {
		t.Fatalf("stderr = %q, want unknown subcommand message", stderr.String())
	}
}
