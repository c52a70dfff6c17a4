package main

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(buf.String()) == "" {
		t.Fatalf("expected version output")
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand(pslog.NoopLogger())
	for _, name := range []string{
		"config", "listen", "metrics-listen", "mongo-uri",
		"azure-endpoint-pattern", "link-ttl", "rate-per-hour", "log-level",
	} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("missing flag %q", name)
		}
	}
	if len(cmd.Commands()) == 0 {
		t.Fatalf("expected subcommands")
	}
}
