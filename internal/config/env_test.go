package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/medvoice/internal/config"
	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// Tests in this file change the process environment and must not run in
// parallel.

func TestFromEnv(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC9")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_PHONE_NUMBER", "+15145550100")
	t.Setenv("TWILIO_VALIDATE_SIGNATURES", "true")
	t.Setenv("DEEPGRAM_API_KEY", "dg")
	t.Setenv("OPENROUTER_API_KEY", "or")
	t.Setenv("OPENROUTER_MODEL_PRIMARY", "deepseek/deepseek-chat")
	t.Setenv("GROQ_API_KEY", "gsk")
	t.Setenv("PERSONAPLEX_ENABLED", "true")
	t.Setenv("PERSONAPLEX_API_KEY", "pp")
	t.Setenv("PERSONAPLEX_SILENCE_TIMEOUT_MS", "1200")
	t.Setenv("PERSONAPLEX_ENABLE_BACKCHANNELS", "false")
	t.Setenv("CALL_MODE", "duplex")
	t.Setenv("DATABASE_URL", "postgres://localhost/medvoice")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("DEFAULT_LANGUAGE", "EN")
	t.Setenv("CLINIC_NAME", "Clinique KaiMed")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.Server.ListenAddr != ":3000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if !cfg.Twilio.ValidateSignatures || cfg.Twilio.AccountSID != "AC9" {
		t.Errorf("twilio = %+v", cfg.Twilio)
	}
	if cfg.Providers.STT.APIKey != "dg" {
		t.Errorf("stt key = %q", cfg.Providers.STT.APIKey)
	}
	if p := cfg.Providers.LLM; p.Name != "openrouter" || p.Model != "deepseek/deepseek-chat" || p.BaseURL != config.DefaultOpenRouterURL {
		t.Errorf("llm = %+v", p)
	}
	if p := cfg.Providers.LLMFallback; p.Name != "groq" || p.APIKey != "gsk" || p.Model != config.DefaultGroqModel {
		t.Errorf("llm fallback = %+v", p)
	}
	if !cfg.Duplex.Enabled || cfg.Providers.Duplex.Name != "personaplex" || cfg.Providers.Duplex.APIKey != "pp" {
		t.Errorf("duplex = %+v / %+v", cfg.Duplex, cfg.Providers.Duplex)
	}
	if cfg.Duplex.SilenceTimeout != 1200*time.Millisecond {
		t.Errorf("duplex silence = %v", cfg.Duplex.SilenceTimeout)
	}
	if cfg.Duplex.Backchannels == nil || *cfg.Duplex.Backchannels {
		t.Errorf("backchannels = %v", cfg.Duplex.Backchannels)
	}
	if cfg.Gateway.DefaultMode != dialogue.ModeFullDuplex {
		t.Errorf("default_mode = %q", cfg.Gateway.DefaultMode)
	}
	if cfg.Storage.PostgresDSN == "" || cfg.Storage.RedisURL == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Dialogue.DefaultLanguage != lang.English {
		t.Errorf("default_language = %q", cfg.Dialogue.DefaultLanguage)
	}
	if cfg.Clinic.Name != "Clinique KaiMed" {
		t.Errorf("clinic name = %q", cfg.Clinic.Name)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medvoice.yaml")
	writeFile(t, path, `
server:
  log_level: info
providers:
  stt:
    name: deepgram
    api_key: from-file
`)
	t.Setenv("DEEPGRAM_API_KEY", "from-env")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.APIKey != "from-env" {
		t.Errorf("stt key = %q, want the environment value", cfg.Providers.STT.APIKey)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
}

func TestFromEnv_GroqOnly(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk")
	t.Setenv("GROQ_MODEL_FALLBACK", "meta-llama/llama-guard-4-12b")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if p := cfg.Providers.LLM; p.Name != "groq" || p.Model != config.DefaultGroqModel {
		t.Errorf("llm = %+v", p)
	}
	if p := cfg.Providers.LLMFallback; p.Name != "groq" || p.Model != "meta-llama/llama-guard-4-12b" {
		t.Errorf("fallback = %+v", p)
	}
}

func TestFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("PERSONAPLEX_VAD_THRESHOLD", "loud")

	if _, err := config.FromEnv(); err == nil || !strings.Contains(err.Error(), "environment") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "MEDVOICE_TEST_DOTENV=from-file\nMEDVOICE_TEST_PRESET=from-file\n")
	t.Setenv("MEDVOICE_TEST_PRESET", "preset")
	t.Cleanup(func() { _ = os.Unsetenv("MEDVOICE_TEST_DOTENV") })

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("MEDVOICE_TEST_DOTENV"); got != "from-file" {
		t.Errorf("MEDVOICE_TEST_DOTENV = %q", got)
	}
	if got := os.Getenv("MEDVOICE_TEST_PRESET"); got != "preset" {
		t.Errorf("preset variable overwritten: %q", got)
	}
}
