package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultLLMModel        = "deepseek/deepseek-v3.2"
	DefaultLLMFallback     = "openai/gpt-4o-mini"
	DefaultGroqModel       = "meta-llama/llama-4-maverick-17b-128e-instruct"
	DefaultSTTModel        = "nova-2"
	DefaultSilenceTimeout  = 2500 * time.Millisecond
	DefaultTimezone        = "America/Montreal"
	DefaultOpenRouterURL   = "https://openrouter.ai/api/v1"
	DefaultFrenchVoiceID   = "XB0fDUnXU5powFXDhCwa"
	DefaultEnglishVoiceID  = "21m00Tcm4TlvDq8ikWAM"
	DefaultSayVoiceFrench  = "Google.fr-CA-Wavenet-A"
	DefaultSayVoiceEnglish = "Google.en-US-Wavenet-D"
)

// ValidProviderNames lists known provider names per provider kind. Unknown
// names are a warning, since the registry may carry extra factories.
var ValidProviderNames = map[string][]string{
	"llm":    {"openrouter", "openai", "groq", "deepseek"},
	"stt":    {"deepgram"},
	"tts":    {"elevenlabs"},
	"duplex": {"personaplex"},
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, true)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates it. The environment is not consulted, which keeps tests
// hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, false)
}

// FromEnv builds a config from defaults and environment variables only.
func FromEnv() (*Config, error) {
	return parse(nil, true)
}

func parse(data []byte, withEnv bool) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if withEnv {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	set := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}

	set(&cfg.Server.ListenAddr, DefaultListenAddr)
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = EnvDevelopment
	}

	p := &cfg.Providers
	set(&p.LLM.Name, "openrouter")
	switch p.LLM.Name {
	case "openrouter":
		set(&p.LLM.Model, DefaultLLMModel)
		set(&p.LLM.BaseURL, DefaultOpenRouterURL)
	case "groq":
		set(&p.LLM.Model, DefaultGroqModel)
	}
	if p.LLMFallback.Name == "" && p.LLM.Name == "openrouter" {
		p.LLMFallback = ProviderEntry{Name: "openrouter", APIKey: p.LLM.APIKey, BaseURL: p.LLM.BaseURL}
	}
	switch p.LLMFallback.Name {
	case "openrouter":
		set(&p.LLMFallback.Model, DefaultLLMFallback)
		set(&p.LLMFallback.BaseURL, DefaultOpenRouterURL)
		set(&p.LLMFallback.APIKey, p.LLM.APIKey)
	case "groq":
		set(&p.LLMFallback.Model, DefaultGroqModel)
	}
	set(&p.STT.Name, "deepgram")
	set(&p.STT.Model, DefaultSTTModel)
	set(&p.TTS.Name, "elevenlabs")
	if cfg.Duplex.Enabled {
		set(&p.Duplex.Name, "personaplex")
	}

	set(&cfg.Twilio.SayVoices.French, DefaultSayVoiceFrench)
	set(&cfg.Twilio.SayVoices.English, DefaultSayVoiceEnglish)
	set(&cfg.Voices.French.VoiceID, DefaultFrenchVoiceID)
	set(&cfg.Voices.English.VoiceID, DefaultEnglishVoiceID)

	cfg.Clinic = cfg.Clinic.WithDefaults()

	d := &cfg.Dialogue
	if d.DefaultLanguage == "" {
		d.DefaultLanguage = lang.Default
	}
	if d.SilenceTimeout == 0 {
		d.SilenceTimeout = DefaultSilenceTimeout
	}
	if d.MinChunkChars == 0 {
		d.MinChunkChars = dialogue.DefaultMinChunkChars
	}
	if d.Temperature == 0 {
		d.Temperature = dialogue.DefaultTemperature
	}
	if d.MaxTokens == 0 {
		d.MaxTokens = dialogue.DefaultMaxTokens
	}

	if cfg.Gateway.DefaultMode == "" {
		cfg.Gateway.DefaultMode = dialogue.ModeTurn
	}
	set(&cfg.Booking.Timezone, DefaultTimezone)
}

// Validate checks that cfg is coherent. It returns every hard failure joined
// into one error and logs soft issues as warnings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs both cert_file and key_file"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("duplex", cfg.Providers.Duplex.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.LLM.APIKey == "" {
		slog.Warn("providers.llm.api_key is empty; the model backend may reject requests", "provider", cfg.Providers.LLM.Name)
	}
	if cfg.Providers.STT.APIKey == "" {
		slog.Warn("providers.stt.api_key is empty; turn-based calls will not be transcribed")
	}
	if cfg.Providers.TTS.APIKey == "" {
		slog.Warn("providers.tts.api_key is empty; turn-based calls will have no voice")
	}

	d := cfg.Dialogue
	if d.DefaultLanguage != "" && !d.DefaultLanguage.IsValid() {
		errs = append(errs, fmt.Errorf("dialogue.default_language %q is invalid; valid values: fr, en", d.DefaultLanguage))
	}
	if d.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("dialogue.silence_timeout %v must not be negative", d.SilenceTimeout))
	}
	if d.MinChunkChars < 0 {
		errs = append(errs, fmt.Errorf("dialogue.min_chunk_chars %d must not be negative", d.MinChunkChars))
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		errs = append(errs, fmt.Errorf("dialogue.temperature %.2f is out of range [0, 2]", d.Temperature))
	}
	if d.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("dialogue.max_tokens %d must not be negative", d.MaxTokens))
	}

	for name, v := range map[string]VoiceConfig{"voices.french": cfg.Voices.French, "voices.english": cfg.Voices.English} {
		if v.SpeedFactor != 0 && (v.SpeedFactor < 0.7 || v.SpeedFactor > 1.2) {
			errs = append(errs, fmt.Errorf("%s.speed_factor %.2f is out of range [0.7, 1.2]", name, v.SpeedFactor))
		}
	}

	g := cfg.Gateway
	switch g.DefaultMode {
	case "", dialogue.ModeTurn:
	case dialogue.ModeFullDuplex:
		if !cfg.Duplex.Enabled {
			errs = append(errs, errors.New("gateway.default_mode full_duplex requires duplex.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.default_mode %q is invalid; valid values: turn, full_duplex", g.DefaultMode))
	}
	if g.PendingCapacity < 0 || g.ReadyTimeout < 0 || g.DrainTimeout < 0 {
		errs = append(errs, errors.New("gateway: pending_capacity, ready_timeout and drain_timeout must not be negative"))
	}

	if cfg.Duplex.Enabled {
		if cfg.Providers.Duplex.Name == "" {
			errs = append(errs, errors.New("duplex.enabled requires providers.duplex"))
		}
		if t := cfg.Duplex.VADThreshold; t < 0 || t > 1 {
			errs = append(errs, fmt.Errorf("duplex.vad_threshold %.2f is out of range [0, 1]", t))
		}
	}

	tw := cfg.Twilio
	if tw.ValidateSignatures && tw.AuthToken == "" {
		errs = append(errs, errors.New("twilio.validate_signatures requires twilio.auth_token"))
	}
	if tw.TransferNumber != "" && (tw.AccountSID == "" || tw.AuthToken == "") {
		errs = append(errs, errors.New("twilio.transfer_number requires twilio.account_sid and twilio.auth_token"))
	}
	if tw.PhoneNumber == "" && tw.AccountSID != "" {
		slog.Warn("twilio.phone_number is empty; confirmation SMS are disabled")
	}
	if cfg.Server.Environment == EnvProduction && !tw.ValidateSignatures {
		slog.Warn("webhook signature validation is off in production")
	}

	if cfg.Booking.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Booking.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("booking.timezone %q: %w", cfg.Booking.Timezone, err))
		}
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; calls and appointments are kept in memory")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not listed in
// [ValidProviderNames] for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or an extra registration",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
