package main

import (
	"context"
	"strings"
	"testing"
)

func TestRun_Version(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "plantd") {
		t.Errorf("version output missing name: %q", out.String())
	}
	if !strings.Contains(out.String(), "go_version") {
		t.Errorf("version output missing build fields: %q", out.String())
	}
}

func TestRun_Help(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"-h"}); err != nil {
		t.Fatalf("run -h: %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("help output missing usage: %q", out.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut strings.Builder
	err := run(context.Background(), &out, &errOut, []string{"dance"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	var out, errOut strings.Builder
	err := run(context.Background(), &out, &errOut, []string{"-verbose"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_ServeMissingConfig(t *testing.T) {
	var out, errOut strings.Builder
	err := run(context.Background(), &out, &errOut, []string{"-config", "/nonexistent/config.yaml", "serve"})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("err = %v", err)
	}
}
