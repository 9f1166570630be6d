package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmbeddedDefaults(t *testing.T) {
	cfg := Default()

	checks := []struct {
		name      string
		got, want any
	}{
		{"llm.provider", cfg.LLM.Provider, "ollama"},
		{"llm.call_timeout", cfg.LLM.CallTimeout, 60 * time.Second},
		{"llm.requests_per_second", cfg.LLM.RequestsPerSecond, 2.0},
		{"analysis.batch_size", cfg.Analysis.BatchSize, 35},
		{"analysis.max_concurrency", cfg.Analysis.MaxConcurrency, 4},
		{"analysis.trend_window_days", cfg.Analysis.TrendWindowDays, 60},
		{"analysis.max_upload_bytes", cfg.Analysis.MaxUploadBytes, int64(10 << 20)},
		{"enrichment.product_pages", cfg.Enrichment.ProductPages, false},
		{"server.host", cfg.Server.Host, "127.0.0.1"},
		{"server.port", cfg.Server.Port, 8000},
		{"logging.format", cfg.Logging.Format, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	cfg, err := parse([]byte(`
llm:
  provider: openai
  openai_base_url: https://api.groq.com/openai/v1
analysis:
  top_n: 3
server:
  port: 9000
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.Analysis.TopN != 3 || cfg.Server.Port != 9000 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.LLM.OllamaURL != "http://localhost:11434" || cfg.Analysis.QuotesPerTheme != 3 {
		t.Errorf("unset fields lost their defaults: %+v", cfg)
	}
}

func TestValidationNamesEveryBadField(t *testing.T) {
	_, err := parse([]byte(`
analysis:
  batch_size: 0
  max_concurrency: -1
  max_retries: -2
llm:
  call_timeout: 0s
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{"batch_size", "max_concurrency", "max_retries", "call_timeout"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error does not mention %s: %v", field, err)
		}
	}
}

func TestMalformedYAML(t *testing.T) {
	if _, err := parse([]byte("analysis: [unclosed")); err == nil {
		t.Error("expected YAML error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("analysis:\n  quotes_per_theme: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Analysis.QuotesPerTheme != 2 {
		t.Errorf("quotes_per_theme = %d, want 2", cfg.Analysis.QuotesPerTheme)
	}

	if cfg, err := Load(""); err != nil || cfg.Analysis.QuotesPerTheme != 3 {
		t.Errorf("Load(\"\") = %+v, %v; want embedded defaults", cfg, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("analysis:\n  batch_size: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "batch_size") {
		t.Errorf("expected Load to reject batch_size 0, got %v", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	if got, err := ResolveConfigPath(""); err != nil || got != "" {
		t.Errorf("no config anywhere: got %q, %v", got, err)
	}

	if err := os.WriteFile("config.yaml", DefaultConfigYAML, 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := ResolveConfigPath(""); got != "config.yaml" {
		t.Errorf("expected working-directory config, got %q", got)
	}

	xdg := filepath.Join(ConfigDir(), "config.yaml")
	os.MkdirAll(filepath.Dir(xdg), 0o755)
	if err := os.WriteFile(xdg, DefaultConfigYAML, 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := ResolveConfigPath(""); got != xdg {
		t.Errorf("expected XDG config to win, got %q", got)
	}

	if _, err := ResolveConfigPath("nope.yaml"); err == nil {
		t.Error("expected error for a missing explicit path")
	}
}

func TestAPIKeyFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("REVIEWMINER_TEST_KEY=secret\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REVIEWMINER_TEST_KEY", "")
	os.Unsetenv("REVIEWMINER_TEST_KEY")

	LoadEnv(path)

	cfg := Default()
	cfg.LLM.APIKeyEnv = "REVIEWMINER_TEST_KEY"
	if got := cfg.APIKey(); got != "secret" {
		t.Errorf("APIKey = %q, want secret", got)
	}
	cfg.LLM.APIKeyEnv = ""
	if got := cfg.APIKey(); got != "" {
		t.Errorf("APIKey without env name = %q", got)
	}
}

func TestStorePaths(t *testing.T) {
	t.Setenv("HOME", "/home/analyst")
	cfg := &Config{}
	if got := cfg.GetDataDir(); got != "/home/analyst/.local/share/reviewminer" {
		t.Errorf("default data dir = %q", got)
	}
	cfg.Output.DataDir = "/srv/reviews"
	if got := cfg.DBPath(); got != "/srv/reviews/reviewminer.db" {
		t.Errorf("DBPath = %q", got)
	}
}
