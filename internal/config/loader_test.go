package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "model:\n  family: qwen3\n  size: 8B\n  variant: thinking\nserver:\n  port: 9999\nwebhooks:\n  - id: w1\n    url: http://example.invalid/hook\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Family != "qwen3" || cfg.Model.Size != "8B" || cfg.Server.Port != 9999 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	// untouched fields keep defaults
	if cfg.Model.Quantization != "4bit" || cfg.Inference.MaxNewTokens != 4096 || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].RetryCount != 3 || cfg.Webhooks[0].TimeoutSeconds != 30 {
		t.Fatalf("webhook defaults not applied: %+v", cfg.Webhooks)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"model":{"size":"3B","quantization":"8bit"},"batch":{"workers":5}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Size != "3B" || cfg.Model.Quantization != "8bit" || cfg.Batch.Workers != 5 || cfg.Model.Family != "qwen2.5" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "[backend]\nmode = \"server\"\nbase_url = \"http://gpu-box:8000/v1\"\n[logging]\nlevel = \"debug\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.BaseURL != "http://gpu-box:8000/v1" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	bad := map[string]string{
		"bad.yaml": "model: [\n",
		"bad.json": `{ "model": }`,
		"bad.toml": "model=\n",
	}
	for name, body := range bad {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil {
			t.Fatalf("expected parse error for %s", name)
		}
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("QWEN_MODEL_FAMILY", "qwen3")
	t.Setenv("QWEN_MODEL_SIZE", "4B")
	t.Setenv("VLMD_PORT", "8088")
	t.Setenv("VLMD_CORS_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("VLMD_SPAWN_ARGS", "--ctx-size 8192")
	cfg, err := FromEnv(Defaults())
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.Model.Family != "qwen3" || cfg.Model.Size != "4B" || cfg.Server.Port != 8088 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Server.CORSOrigins) != 2 || len(cfg.Backend.ExtraArgs) != 2 {
		t.Fatalf("slices not split: %+v %+v", cfg.Server.CORSOrigins, cfg.Backend.ExtraArgs)
	}
	// unset variables keep their base values
	if cfg.Model.Quantization != "4bit" || cfg.Inference.TopP != 0.9 {
		t.Fatalf("base values lost: %+v", cfg)
	}
}

func TestFromEnvBadValue(t *testing.T) {
	t.Setenv("VLMD_PORT", "not-a-port")
	if _, err := FromEnv(Defaults()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "test.env", "VLMD_TEST_DOTENV_KEY=hello\n")
	t.Cleanup(func() { _ = os.Unsetenv("VLMD_TEST_DOTENV_KEY") })
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("dotenv: %v", err)
	}
	if os.Getenv("VLMD_TEST_DOTENV_KEY") != "hello" {
		t.Fatalf("dotenv value not loaded")
	}
}
