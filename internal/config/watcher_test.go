package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  default_model: first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w := NewWatcher(path, initial, nil)
	w.debounce = 10 * time.Millisecond
	reloaded := make(chan *Config, 4)
	w.Subscribe(func(cfg *Config) { reloaded <- cfg })

	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("llm:\n  default_model: second\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.LLM.DefaultModel != "second" {
			t.Fatalf("reloaded model = %q", cfg.LLM.DefaultModel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}
	if w.Current().LLM.DefaultModel != "second" {
		t.Fatalf("Current() not updated")
	}
}

func TestWatcherKeepsConfigOnInvalidFile(t *testing.T) {
	path := writeConfig(t, "parley.yaml", "session:\n  store: bogus\n")
	initial := Default()

	w := NewWatcher(path, initial, nil)
	called := false
	w.Subscribe(func(*Config) { called = true })
	w.Reload()

	if called {
		t.Fatal("subscriber notified for invalid config")
	}
	if w.Current() != initial {
		t.Fatal("invalid config replaced the current one")
	}
}
