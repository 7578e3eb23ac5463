package main

import (
	"reflect"
	"testing"
)

func TestParseArgs_OutputAndFlags(t *testing.T) {
	cfg, status, err := parseArgs([]string{"-o", "/tmp/out", "-P", "-q", "-v", "-v", "-status", "/tmp/stpd.sock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OutputPath != "/tmp/out" {
		t.Fatalf("OutputPath = %q, want /tmp/out", cfg.OutputPath)
	}
	if !cfg.PrintOnly || !cfg.Quiet {
		t.Fatalf("expected PrintOnly and Quiet set, got %+v", cfg)
	}
	if cfg.Verbose != 2 {
		t.Fatalf("Verbose = %d, want 2", cfg.Verbose)
	}
	if status != "/tmp/stpd.sock" {
		t.Fatalf("status socket = %q, want /tmp/stpd.sock", status)
	}
}

func TestParseArgs_TargetCmdConsumesRemainder(t *testing.T) {
	cfg, _, err := parseArgs([]string{"-o", "/tmp/out", "-c", "sleep", "5", "--forever"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"sleep", "5", "--forever"}
	if !reflect.DeepEqual(cfg.TargetCmd, want) {
		t.Fatalf("TargetCmd = %#v, want %#v", cfg.TargetCmd, want)
	}
}

func TestParseArgs_UnknownFlag(t *testing.T) {
	_, _, err := parseArgs([]string{"-x"})
	if err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

func TestParseArgs_TargetUIDGID(t *testing.T) {
	cfg, _, err := parseArgs([]string{"-t", "1000:1000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TargetUID != 1000 || cfg.TargetGID != 1000 {
		t.Fatalf("got uid=%d gid=%d, want 1000:1000", cfg.TargetUID, cfg.TargetGID)
	}
}

func TestParseUIDGID(t *testing.T) {
	uid, gid, err := parseUIDGID("1000:2000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != 1000 || gid != 2000 {
		t.Fatalf("got %d:%d, want 1000:2000", uid, gid)
	}

	if _, _, err := parseUIDGID("bogus"); err == nil {
		t.Fatalf("expected error for malformed uid:gid")
	}
}

func TestParseArgs_DriverPID(t *testing.T) {
	cfg, _, err := parseArgs([]string{"-d", "4242"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DriverPID != 4242 {
		t.Fatalf("DriverPID = %d, want 4242", cfg.DriverPID)
	}

	if _, _, err := parseArgs([]string{"-d", "nope"}); err == nil {
		t.Fatalf("expected error for non-numeric driver pid")
	}
}
