package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"arbiter", "version"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), version) {
		t.Errorf("output %q missing version %s", out.String(), version)
	}
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"arbiter", "help"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, cmd := range []string{"server", "health", "verify-chain", "version"} {
		if !strings.Contains(out.String(), cmd) {
			t.Errorf("usage missing command %q", cmd)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"arbiter", "bogus"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Errorf("stderr %q missing unknown-command notice", errOut.String())
	}
}

func TestRunDefaultsToServer(t *testing.T) {
	called := false
	orig := startServer
	startServer = func() { called = true }
	defer func() { startServer = orig }()

	var out, errOut bytes.Buffer
	if code := Run([]string{"arbiter"}, &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !called {
		t.Fatal("expected server start with no arguments")
	}

	called = false
	if code := Run([]string{"arbiter", "server"}, &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !called {
		t.Fatal("expected server start for the server command")
	}
}

func TestVerifyChainEmptyLiteLog(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()
	t.Chdir(dir)

	var out, errOut bytes.Buffer
	code := runVerifyChainCmd(nil, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "empty") {
		t.Errorf("output %q should note the empty log", out.String())
	}
}
