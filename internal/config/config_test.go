package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/medvoice/internal/config"
	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/provider/duplex"
	duplexmock "github.com/MrWong99/medvoice/pkg/provider/duplex/mock"
	"github.com/MrWong99/medvoice/pkg/provider/llm"
	llmmock "github.com/MrWong99/medvoice/pkg/provider/llm/mock"
	"github.com/MrWong99/medvoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/medvoice/pkg/provider/stt/mock"
	"github.com/MrWong99/medvoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/medvoice/pkg/provider/tts/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  log_format: json
  environment: production
  public_host: voice.clinique.example

providers:
  llm:
    name: openrouter
    api_key: sk-or-test
  llm_fallback:
    name: groq
    api_key: gsk-test
  stt:
    name: deepgram
    api_key: dg-test
  tts:
    name: elevenlabs
    api_key: el-test
  duplex:
    name: personaplex
    api_key: pp-test

twilio:
  account_sid: AC123
  auth_token: secret
  phone_number: "+15145550100"
  transfer_number: "+15145550199"
  validate_signatures: true

voices:
  french:
    voice_id: fr-voice
    speed_factor: 0.9

storage:
  postgres_dsn: postgres://medvoice:pw@localhost:5432/medvoice?sslmode=disable
  redis_url: redis://localhost:6379/0

clinic:
  name: Clinique KaiMed
  address: Montréal, QC

dialogue:
  default_language: en
  silence_timeout: 3s
  min_chunk_chars: 30
  temperature: 0.5

gateway:
  default_mode: full_duplex
  pending_capacity: 250
  ready_timeout: 4s

duplex:
  enabled: true
  fallback_to_turn: true
  vad_threshold: 0.3
  silence_timeout: 900ms

booking:
  timezone: America/Toronto
  practitioner: Dre Tremblay
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("log_format = %q", cfg.Server.LogFormat)
	}
	if cfg.Providers.LLM.Model != config.DefaultLLMModel {
		t.Errorf("llm model = %q, want default %q", cfg.Providers.LLM.Model, config.DefaultLLMModel)
	}
	if cfg.Providers.LLM.BaseURL != config.DefaultOpenRouterURL {
		t.Errorf("llm base_url = %q", cfg.Providers.LLM.BaseURL)
	}
	if cfg.Providers.LLMFallback.Name != "groq" || cfg.Providers.LLMFallback.Model != config.DefaultGroqModel {
		t.Errorf("fallback = %+v", cfg.Providers.LLMFallback)
	}
	if cfg.Dialogue.DefaultLanguage != lang.English {
		t.Errorf("default_language = %q", cfg.Dialogue.DefaultLanguage)
	}
	if cfg.Dialogue.SilenceTimeout != 3*time.Second {
		t.Errorf("silence_timeout = %v", cfg.Dialogue.SilenceTimeout)
	}
	if cfg.Dialogue.MaxTokens != dialogue.DefaultMaxTokens {
		t.Errorf("max_tokens = %d", cfg.Dialogue.MaxTokens)
	}
	if cfg.Gateway.DefaultMode != dialogue.ModeFullDuplex {
		t.Errorf("default_mode = %q", cfg.Gateway.DefaultMode)
	}
	if cfg.Duplex.SilenceTimeout != 900*time.Millisecond {
		t.Errorf("duplex silence_timeout = %v", cfg.Duplex.SilenceTimeout)
	}
	if cfg.Clinic.Name != "Clinique KaiMed" || cfg.Clinic.NameEN == "" {
		t.Errorf("clinic = %+v", cfg.Clinic)
	}
	if cfg.Voices.English.VoiceID != config.DefaultEnglishVoiceID {
		t.Errorf("english voice = %q", cfg.Voices.English.VoiceID)
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.Environment != config.EnvDevelopment {
		t.Errorf("environment = %q", cfg.Server.Environment)
	}
	if cfg.Providers.LLMFallback.Model != config.DefaultLLMFallback {
		t.Errorf("fallback model = %q", cfg.Providers.LLMFallback.Model)
	}
	if cfg.Dialogue.DefaultLanguage != lang.French {
		t.Errorf("default_language = %q", cfg.Dialogue.DefaultLanguage)
	}
	if cfg.Dialogue.SilenceTimeout != config.DefaultSilenceTimeout {
		t.Errorf("silence_timeout = %v", cfg.Dialogue.SilenceTimeout)
	}
	if cfg.Dialogue.MinChunkChars != dialogue.DefaultMinChunkChars {
		t.Errorf("min_chunk_chars = %d", cfg.Dialogue.MinChunkChars)
	}
	if cfg.Gateway.DefaultMode != dialogue.ModeTurn {
		t.Errorf("default_mode = %q", cfg.Gateway.DefaultMode)
	}
	if cfg.Providers.Duplex.Name != "" {
		t.Errorf("duplex provider set without duplex.enabled: %q", cfg.Providers.Duplex.Name)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  lisen_addr: \":80\"\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "log level", yaml: "server:\n  log_level: verbose\n", wantErr: "server.log_level"},
		{name: "log format", yaml: "server:\n  log_format: xml\n", wantErr: "server.log_format"},
		{name: "tls half configured", yaml: "server:\n  tls:\n    cert_file: a.pem\n", wantErr: "server.tls"},
		{name: "language", yaml: "dialogue:\n  default_language: es\n", wantErr: "dialogue.default_language"},
		{name: "negative chunk", yaml: "dialogue:\n  min_chunk_chars: -1\n", wantErr: "min_chunk_chars"},
		{name: "temperature", yaml: "dialogue:\n  temperature: 3\n", wantErr: "dialogue.temperature"},
		{name: "speed factor", yaml: "voices:\n  french:\n    speed_factor: 2\n", wantErr: "voices.french.speed_factor"},
		{name: "mode", yaml: "gateway:\n  default_mode: walkie\n", wantErr: "gateway.default_mode"},
		{name: "duplex mode disabled", yaml: "gateway:\n  default_mode: full_duplex\n", wantErr: "requires duplex.enabled"},
		{name: "vad threshold", yaml: "duplex:\n  enabled: true\n  vad_threshold: 1.5\n", wantErr: "duplex.vad_threshold"},
		{name: "signatures need token", yaml: "twilio:\n  validate_signatures: true\n", wantErr: "twilio.validate_signatures"},
		{name: "transfer needs account", yaml: "twilio:\n  transfer_number: \"+15145550199\"\n", wantErr: "twilio.transfer_number"},
		{name: "timezone", yaml: "booking:\n  timezone: Mars/Olympus\n", wantErr: "booking.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Dialogue.DefaultLanguage = "de"
	cfg.Gateway.DefaultMode = "radio"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "dialogue.default_language", "gateway.default_mode", "providers.llm.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error lacks %q: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"llm", "stt", "tts", "duplex"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known names for %s", kind)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	for _, create := range []func() error{
		func() error { _, err := r.CreateLLM(config.ProviderEntry{Name: "openrouter"}); return err },
		func() error { _, err := r.CreateSTT(config.ProviderEntry{Name: "deepgram"}); return err },
		func() error { _, err := r.CreateTTS(config.ProviderEntry{Name: "elevenlabs"}); return err },
		func() error { _, err := r.CreateDuplex(config.ProviderEntry{Name: "personaplex"}); return err },
	} {
		if err := create(); !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("unregistered create: err = %v", err)
		}
	}

	var gotEntry config.ProviderEntry
	r.RegisterLLM("openrouter", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	r.RegisterLLM("groq", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("missing key")
	})
	r.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	r.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	r.RegisterDuplex("personaplex", func(config.ProviderEntry) (duplex.Provider, error) { return &duplexmock.Provider{}, nil })

	p, err := r.CreateLLM(config.ProviderEntry{Name: "openrouter", Model: "deepseek/deepseek-v3.2"})
	if err != nil || p == nil {
		t.Fatalf("CreateLLM = %v, %v", p, err)
	}
	if gotEntry.Model != "deepseek/deepseek-v3.2" {
		t.Errorf("factory got %+v", gotEntry)
	}
	if _, err := r.CreateLLM(config.ProviderEntry{Name: "groq"}); err == nil || errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("factory error not passed through: %v", err)
	}
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := r.CreateTTS(config.ProviderEntry{Name: "elevenlabs"}); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := r.CreateDuplex(config.ProviderEntry{Name: "personaplex"}); err != nil {
		t.Errorf("CreateDuplex: %v", err)
	}
	if names := r.LLMNames(); len(names) != 2 || names[0] != "groq" || names[1] != "openrouter" {
		t.Errorf("LLMNames = %v", names)
	}
}
