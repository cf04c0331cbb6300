package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TETHER_CONFIG_DIR", t.TempDir())
	t.Setenv("TETHER_DATA_DIR", "/tmp/tether-test-data")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8422" {
		t.Fatalf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Fatalf("Provider = %q", cfg.LLM.Provider)
	}
	if !cfg.IMessage.Watch || cfg.IMessage.DebounceSeconds != 2 {
		t.Fatalf("imessage config = %+v", cfg.IMessage)
	}
	if want := filepath.Join("/tmp/tether-test-data", "tether.db"); cfg.Store.Path != want {
		t.Fatalf("Store.Path = %q, want %q", cfg.Store.Path, want)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TETHER_CONFIG_DIR", dir)
	t.Setenv("TETHER_DATA_DIR", t.TempDir())

	yaml := "server:\n  addr: \"0.0.0.0:9000\"\nllm:\n  provider: openai\n  model: gpt-4o\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
}

func TestAPIKeysFromEnv(t *testing.T) {
	t.Setenv("TETHER_CONFIG_DIR", t.TempDir())
	t.Setenv("TETHER_DATA_DIR", t.TempDir())
	t.Setenv("GEMINI_API_KEY", "gk-test")
	t.Setenv("OPENAI_API_KEY", "ok-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.GeminiAPIKey != "gk-test" || cfg.LLM.OpenAIAPIKey != "ok-test" {
		t.Fatalf("api keys = %+v", cfg.LLM)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("TETHER_CONFIG_DIR", t.TempDir())
	t.Setenv("TETHER_DATA_DIR", t.TempDir())

	cfg := &Config{}
	cfg.Server.Addr = "127.0.0.1:7000"
	cfg.LLM.Provider = "gemini"
	cfg.IMessage.Watch = true
	cfg.IMessage.DebounceSeconds = 5
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Addr != "127.0.0.1:7000" {
		t.Fatalf("Addr = %q", loaded.Server.Addr)
	}
	if loaded.IMessage.DebounceSeconds != 5 {
		t.Fatalf("DebounceSeconds = %d", loaded.IMessage.DebounceSeconds)
	}
}
