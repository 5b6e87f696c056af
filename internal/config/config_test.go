package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		envValue string
		fallback string
		expected string
	}{
		{"uses env value", "MEDSTUDY_TEST_VAR_1", "hello", "default", "hello"},
		{"uses fallback when empty", "MEDSTUDY_TEST_VAR_2", "", "default", "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.envValue)
			if got := getEnv(tc.key, tc.fallback); got != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		fallback int
		expected int
	}{
		{"parses integer", "42", 10, 42},
		{"uses fallback for empty", "", 10, 10},
		{"uses fallback for non-numeric", "abc", 10, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("MEDSTUDY_TEST_INT", tc.envValue)
			if got := getEnvInt("MEDSTUDY_TEST_INT", tc.fallback); got != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, got)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "db", "test.db"))
	t.Setenv("UPLOAD_DIR", filepath.Join(dir, "uploads"))
	t.Setenv("LLM_MAX_CONCURRENCY", "0")
	t.Setenv("LLM_TIMEOUT_SECONDS", "30")
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("STORE_BACKEND", "")

	cfg := Load()
	if cfg.LLMMaxConcurrency != 1 {
		t.Errorf("concurrency should be clamped to 1, got %d", cfg.LLMMaxConcurrency)
	}
	if cfg.LLMTimeout != 30*time.Second {
		t.Errorf("timeout = %v", cfg.LLMTimeout)
	}
	if cfg.LLMProvider != "gemini" {
		t.Errorf("provider = %q", cfg.LLMProvider)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Errorf("store backend = %q", cfg.StoreBackend)
	}
}
