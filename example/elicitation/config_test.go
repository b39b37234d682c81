package main

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("MCP_TRANSPORT", "stdio")
	t.Setenv("MCP_REQUEST_TIMEOUT", "90s")
	t.Setenv("MCP_PING_INTERVAL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transport != "stdio" {
		t.Errorf("expected transport stdio, got %s", cfg.Transport)
	}
	if cfg.RequestTimeout != 90*time.Second {
		t.Errorf("expected request timeout 90s, got %s", cfg.RequestTimeout)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("expected default ping interval, got %s", cfg.PingInterval)
	}
}

func TestLoadConfigRejectsInvalidDuration(t *testing.T) {
	t.Setenv("MCP_REQUEST_TIMEOUT", "soon")

	if _, err := LoadConfig(); err == nil {
		t.Error("expected an error for an invalid duration")
	}
}
