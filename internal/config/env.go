package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// envOverrides are the environment variables a deployment may set. Empty
// variables leave the file value alone.
type envOverrides struct {
	Port        string `envconfig:"PORT"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LogFormat   string `envconfig:"LOG_FORMAT"`
	Environment string `envconfig:"ENVIRONMENT"`
	PublicHost  string `envconfig:"PUBLIC_HOST"`

	TwilioAccountSID      string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken       string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioPhoneNumber     string `envconfig:"TWILIO_PHONE_NUMBER"`
	TwilioTransferNumber  string `envconfig:"TWILIO_TRANSFER_NUMBER"`
	TwilioValidateWebhook *bool  `envconfig:"TWILIO_VALIDATE_SIGNATURES"`

	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL"`

	OpenRouterAPIKey        string `envconfig:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL       string `envconfig:"OPENROUTER_BASE_URL"`
	OpenRouterModelPrimary  string `envconfig:"OPENROUTER_MODEL_PRIMARY"`
	OpenRouterModelFallback string `envconfig:"OPENROUTER_MODEL_FALLBACK"`

	GroqAPIKey        string `envconfig:"GROQ_API_KEY"`
	GroqModelPrimary  string `envconfig:"GROQ_MODEL_PRIMARY"`
	GroqModelFallback string `envconfig:"GROQ_MODEL_FALLBACK"`

	ElevenLabsAPIKey  string `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceFR string `envconfig:"ELEVENLABS_VOICE_FR"`
	ElevenLabsVoiceEN string `envconfig:"ELEVENLABS_VOICE_EN"`

	PersonaPlexEnabled        *bool         `envconfig:"PERSONAPLEX_ENABLED"`
	PersonaPlexAPIKey         string        `envconfig:"PERSONAPLEX_API_KEY"`
	PersonaPlexEndpoint       string        `envconfig:"PERSONAPLEX_ENDPOINT"`
	PersonaPlexVoiceID        string        `envconfig:"PERSONAPLEX_VOICE_ID"`
	PersonaPlexBackchannels   *bool         `envconfig:"PERSONAPLEX_ENABLE_BACKCHANNELS"`
	PersonaPlexInterruptions  *bool         `envconfig:"PERSONAPLEX_ENABLE_INTERRUPTIONS"`
	PersonaPlexVADThreshold   *float64      `envconfig:"PERSONAPLEX_VAD_THRESHOLD"`
	PersonaPlexSilenceTimeout *int          `envconfig:"PERSONAPLEX_SILENCE_TIMEOUT_MS"`
	PersonaPlexFallback       *bool         `envconfig:"PERSONAPLEX_FALLBACK_TO_TURN"`
	CallMode                  string        `envconfig:"CALL_MODE"`
	ReadyTimeout              time.Duration `envconfig:"STREAM_READY_TIMEOUT"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`

	DefaultLanguage string `envconfig:"DEFAULT_LANGUAGE"`
	ClinicName      string `envconfig:"CLINIC_NAME"`
	ClinicNameEN    string `envconfig:"CLINIC_NAME_EN"`
	ClinicAddress   string `envconfig:"CLINIC_ADDRESS"`
	ClinicHours     string `envconfig:"CLINIC_HOURS"`
	ClinicTimezone  string `envconfig:"CLINIC_TIMEZONE"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Variables that are already set win. Missing files are
// ignored; with no arguments ".env" is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
		slog.Debug("loaded environment file", "path", f)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	env.apply(cfg)
	return nil
}

func (e envOverrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}

	if e.Port != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimPrefix(e.Port, ":")
	}
	if e.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(e.LogLevel))
	}
	if e.LogFormat != "" {
		cfg.Server.LogFormat = LogFormat(strings.ToLower(e.LogFormat))
	}
	if e.Environment != "" {
		cfg.Server.Environment = Environment(strings.ToLower(e.Environment))
	}
	set(&cfg.Server.PublicHost, e.PublicHost)

	set(&cfg.Twilio.AccountSID, e.TwilioAccountSID)
	set(&cfg.Twilio.AuthToken, e.TwilioAuthToken)
	set(&cfg.Twilio.PhoneNumber, e.TwilioPhoneNumber)
	set(&cfg.Twilio.TransferNumber, e.TwilioTransferNumber)
	setBool(&cfg.Twilio.ValidateSignatures, e.TwilioValidateWebhook)

	set(&cfg.Providers.STT.APIKey, e.DeepgramAPIKey)
	set(&cfg.Providers.STT.Model, e.DeepgramModel)

	e.applyLLM(&cfg.Providers)

	set(&cfg.Providers.TTS.APIKey, e.ElevenLabsAPIKey)
	set(&cfg.Voices.French.VoiceID, e.ElevenLabsVoiceFR)
	set(&cfg.Voices.English.VoiceID, e.ElevenLabsVoiceEN)

	setBool(&cfg.Duplex.Enabled, e.PersonaPlexEnabled)
	if e.PersonaPlexAPIKey != "" || e.PersonaPlexEndpoint != "" {
		set(&cfg.Providers.Duplex.Name, "personaplex")
	}
	set(&cfg.Providers.Duplex.APIKey, e.PersonaPlexAPIKey)
	set(&cfg.Providers.Duplex.BaseURL, e.PersonaPlexEndpoint)
	set(&cfg.Duplex.VoiceID, e.PersonaPlexVoiceID)
	if e.PersonaPlexBackchannels != nil {
		cfg.Duplex.Backchannels = e.PersonaPlexBackchannels
	}
	if e.PersonaPlexInterruptions != nil {
		cfg.Duplex.Interruptions = e.PersonaPlexInterruptions
	}
	if e.PersonaPlexVADThreshold != nil {
		cfg.Duplex.VADThreshold = *e.PersonaPlexVADThreshold
	}
	if e.PersonaPlexSilenceTimeout != nil {
		cfg.Duplex.SilenceTimeout = time.Duration(*e.PersonaPlexSilenceTimeout) * time.Millisecond
	}
	setBool(&cfg.Duplex.FallbackToTurn, e.PersonaPlexFallback)
	if e.CallMode != "" {
		cfg.Gateway.DefaultMode = dialogue.ParseMode(e.CallMode, dialogue.Mode(e.CallMode))
	}
	if e.ReadyTimeout > 0 {
		cfg.Gateway.ReadyTimeout = e.ReadyTimeout
	}

	set(&cfg.Storage.PostgresDSN, e.DatabaseURL)
	set(&cfg.Storage.RedisURL, e.RedisURL)

	if e.DefaultLanguage != "" {
		cfg.Dialogue.DefaultLanguage = lang.Language(strings.ToLower(e.DefaultLanguage))
	}
	set(&cfg.Clinic.Name, e.ClinicName)
	set(&cfg.Clinic.NameEN, e.ClinicNameEN)
	set(&cfg.Clinic.Address, e.ClinicAddress)
	set(&cfg.Clinic.Hours, e.ClinicHours)
	set(&cfg.Booking.Timezone, e.ClinicTimezone)
}

// applyLLM maps the OpenRouter and Groq variables onto the primary and
// fallback model entries. When both keys are present OpenRouter is primary
// and Groq is the fallback backend.
func (e envOverrides) applyLLM(p *ProvidersConfig) {
	switch {
	case e.OpenRouterAPIKey != "":
		p.LLM = mergeEntry(p.LLM, ProviderEntry{Name: "openrouter", APIKey: e.OpenRouterAPIKey, BaseURL: e.OpenRouterBaseURL, Model: e.OpenRouterModelPrimary})
		if e.GroqAPIKey != "" {
			p.LLMFallback = mergeEntry(p.LLMFallback, ProviderEntry{Name: "groq", APIKey: e.GroqAPIKey, Model: firstNonEmpty(e.GroqModelPrimary, DefaultGroqModel)})
		} else {
			p.LLMFallback = mergeEntry(p.LLMFallback, ProviderEntry{Name: "openrouter", APIKey: e.OpenRouterAPIKey, BaseURL: e.OpenRouterBaseURL, Model: e.OpenRouterModelFallback})
		}
	case e.GroqAPIKey != "":
		p.LLM = mergeEntry(p.LLM, ProviderEntry{Name: "groq", APIKey: e.GroqAPIKey, Model: firstNonEmpty(e.GroqModelPrimary, DefaultGroqModel)})
		if e.GroqModelFallback != "" {
			p.LLMFallback = mergeEntry(p.LLMFallback, ProviderEntry{Name: "groq", APIKey: e.GroqAPIKey, Model: e.GroqModelFallback})
		}
	}
}

// mergeEntry overlays the non-empty fields of over onto base. A different
// provider name replaces base entirely.
func mergeEntry(base, over ProviderEntry) ProviderEntry {
	if base.Name != "" && base.Name != over.Name {
		base = ProviderEntry{}
	}
	base.Name = over.Name
	if over.APIKey != "" {
		base.APIKey = over.APIKey
	}
	if over.BaseURL != "" {
		base.BaseURL = over.BaseURL
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	return base
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
