// Package config provides the configuration schema, loader, environment
// overrides, file watcher and provider registry for the MedVoice server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Environment names the deployment. Development serves the media stream
// over plain ws://.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config is the root configuration of a MedVoice server. It is loaded from a
// YAML file with [Load], or from the environment alone with [FromEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Voices    VoicesConfig    `yaml:"voices"`
	Storage   StorageConfig   `yaml:"storage"`
	Clinic    prompts.Clinic  `yaml:"clinic"`
	Dialogue  DialogueConfig  `yaml:"dialogue"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Duplex    DuplexConfig    `yaml:"duplex"`
	Booking   BookingConfig   `yaml:"booking"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	Environment Environment `yaml:"environment"`

	// PublicHost is the externally reachable host name put in the media
	// stream URL. When empty the request's forwarded host is used.
	PublicHost string `yaml:"public_host"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP
	// and expects a terminating proxy in front of it.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the implementation for each pipeline stage. Each
// entry is resolved through the [Registry].
type ProvidersConfig struct {
	LLM         ProviderEntry `yaml:"llm"`
	LLMFallback ProviderEntry `yaml:"llm_fallback"`
	STT         ProviderEntry `yaml:"stt"`
	TTS         ProviderEntry `yaml:"tts"`
	Duplex      ProviderEntry `yaml:"duplex"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openrouter", "deepgram").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g., "deepseek/deepseek-v3.2", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// TwilioConfig holds the telephony account.
type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid"`
	AuthToken   string `yaml:"auth_token"`
	PhoneNumber string `yaml:"phone_number"`

	// TransferNumber is dialled when a caller is handed to staff. Transfers
	// are disabled when empty.
	TransferNumber string `yaml:"transfer_number"`

	// ValidateSignatures rejects webhooks without a valid X-Twilio-Signature.
	ValidateSignatures bool `yaml:"validate_signatures"`

	// SayVoices are the platform voices of the TwiML welcome.
	SayVoices SayVoices `yaml:"say_voices"`
}

// SayVoices names a platform voice per language.
type SayVoices struct {
	French  string `yaml:"french"`
	English string `yaml:"english"`
}

// VoicesConfig holds the synthesis voice per language.
type VoicesConfig struct {
	French  VoiceConfig `yaml:"french"`
	English VoiceConfig `yaml:"english"`
}

// VoiceConfig is one TTS voice.
type VoiceConfig struct {
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in [0.7, 1.2]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// StorageConfig points at the persistent stores. Both are optional: without
// a DSN calls and appointments are kept in memory, without Redis slot holds
// are process-local.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`
}

// DialogueConfig tunes the turn pipeline.
type DialogueConfig struct {
	DefaultLanguage lang.Language `yaml:"default_language"`

	// SilenceTimeout is how long after the last word a turn is considered
	// finished when no end-of-utterance event arrives.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// MinChunkChars is the shortest sentence chunk handed to synthesis.
	MinChunkChars int `yaml:"min_chunk_chars"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// EmergencyPhrases and TransferPhrases replace the built-in lexicons
	// when non-empty.
	EmergencyPhrases []string `yaml:"emergency_phrases"`
	TransferPhrases  []string `yaml:"transfer_phrases"`
}

// GatewayConfig tunes the media stream gateway.
type GatewayConfig struct {
	DefaultMode     dialogue.Mode `yaml:"default_mode"`
	PendingCapacity int           `yaml:"pending_capacity"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

// DuplexConfig tunes full-duplex calls.
type DuplexConfig struct {
	// Enabled allows calls to request full-duplex mode.
	Enabled bool `yaml:"enabled"`

	// FallbackToTurn switches a call to the turn pipeline when the engine
	// fails.
	FallbackToTurn bool `yaml:"fallback_to_turn"`

	VoiceID        string        `yaml:"voice_id"`
	VoiceEmbedding string        `yaml:"voice_embedding"`
	Backchannels   *bool         `yaml:"backchannels"`
	Interruptions  *bool         `yaml:"interruptions"`
	VADThreshold   float64       `yaml:"vad_threshold"`
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
}

// BookingConfig tunes the appointment service.
type BookingConfig struct {
	// Timezone is the clinic's IANA zone.
	Timezone string `yaml:"timezone"`

	// Practitioner is the name attached to offered slots.
	Practitioner string `yaml:"practitioner"`

	// LockTTL bounds how long a slot is held while a booking is written.
	LockTTL time.Duration `yaml:"lock_ttl"`
}
