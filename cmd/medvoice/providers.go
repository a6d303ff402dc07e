package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/medvoice/internal/app"
	"github.com/MrWong99/medvoice/internal/config"
	"github.com/MrWong99/medvoice/pkg/provider/duplex"
	"github.com/MrWong99/medvoice/pkg/provider/duplex/personaplex"
	"github.com/MrWong99/medvoice/pkg/provider/llm"
	"github.com/MrWong99/medvoice/pkg/provider/llm/anyllm"
	"github.com/MrWong99/medvoice/pkg/provider/llm/openai"
	"github.com/MrWong99/medvoice/pkg/provider/stt"
	"github.com/MrWong99/medvoice/pkg/provider/stt/deepgram"
	"github.com/MrWong99/medvoice/pkg/provider/tts"
	"github.com/MrWong99/medvoice/pkg/provider/tts/elevenlabs"
)

// OpenRouter attribution headers.
const (
	openRouterReferer = "https://medvoice-ai.web.app"
	openRouterTitle   = "MedVoice AI"
)

// registerBuiltinProviders wires the provider factories MedVoice ships with
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openrouter and openai speak the same chat completions API through
	// openai-go; they differ in base URL and attribution headers.
	reg.RegisterLLM("openrouter", func(entry config.ProviderEntry) (llm.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOpenRouterURL
		}
		opts := []openai.Option{
			openai.WithBaseURL(baseURL),
			openai.WithHeader("HTTP-Referer", openRouterReferer),
			openai.WithHeader("X-Title", openRouterTitle),
		}
		return newOpenAI(entry, opts...)
	})
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return newOpenAI(entry, opts...)
	})

	// groq and deepseek go through any-llm-go; without an API key the
	// backend falls back to its own environment variable.
	for _, providerName := range []string{"groq", "deepseek"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "endpointing"); d > 0 {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		if d := optDuration(entry.Options, "utterance_end"); d > 0 {
			opts = append(opts, deepgram.WithUtteranceEnd(d))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Full duplex ───────────────────────────────────────────────────────────

	reg.RegisterDuplex("personaplex", func(entry config.ProviderEntry) (duplex.Provider, error) {
		var opts []personaplex.Option
		if entry.BaseURL != "" {
			opts = append(opts, personaplex.WithEndpoint(entry.BaseURL))
		}
		return personaplex.New(entry.APIKey, opts...)
	})
}

func newOpenAI(entry config.ProviderEntry, opts ...openai.Option) (llm.Provider, error) {
	if d := optDuration(entry.Options, "timeout"); d > 0 {
		opts = append(opts, openai.WithTimeout(d))
	}
	if n, ok := optInt(entry.Options, "max_retries"); ok {
		opts = append(opts, openai.WithMaxRetries(n))
	}
	return openai.New(entry.APIKey, entry.Model, opts...)
}

// buildProviders instantiates the configured providers. LLM, STT and TTS are
// required; the fallback LLM and the full-duplex engine are optional.
func buildProviders(cfg *config.Config, reg *config.Registry) (app.Providers, error) {
	var ps app.Providers

	p, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return ps, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM, ps.LLMName = p, cfg.Providers.LLM.Name
	slog.Info("provider created", "kind", "llm", "name", ps.LLMName, "model", cfg.Providers.LLM.Model)

	if name := cfg.Providers.LLMFallback.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLMFallback)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown fallback llm, continuing without", "name", name)
		} else if err != nil {
			return ps, fmt.Errorf("create fallback llm provider %q: %w", name, err)
		} else {
			ps.LLMFallback, ps.LLMFallbackName = p, name
			slog.Info("provider created", "kind", "llm_fallback", "name", name, "model", cfg.Providers.LLMFallback.Model)
		}
	}

	sp, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return ps, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sp
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	tp, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return ps, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = tp
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if cfg.Duplex.Enabled {
		dp, err := reg.CreateDuplex(cfg.Providers.Duplex)
		switch {
		case err != nil && cfg.Duplex.FallbackToTurn:
			slog.Warn("full-duplex provider unavailable, calls use the turn pipeline", "name", cfg.Providers.Duplex.Name, "err", err)
		case err != nil:
			return ps, fmt.Errorf("create duplex provider %q: %w", cfg.Providers.Duplex.Name, err)
		default:
			ps.Duplex = dp
			slog.Info("provider created", "kind", "duplex", "name", cfg.Providers.Duplex.Name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        MedVoice — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Clinic", cfg.Clinic.ShortName)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Fallback LLM", ps.LLMFallbackName, cfg.Providers.LLMFallback.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if ps.Duplex != nil {
		printProvider("Full duplex", cfg.Providers.Duplex.Name, "")
	} else {
		printRow("Full duplex", "(disabled)")
	}
	printRow("Default mode", string(cfg.Gateway.DefaultMode))
	printRow("Storage", storageLabel(cfg.Storage))
	if cfg.Twilio.AccountSID != "" {
		printRow("Twilio", cfg.Twilio.PhoneNumber)
	} else {
		printRow("Twilio", "(no SMS, no transfer)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if value == "" {
		value = "-"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func storageLabel(s config.StorageConfig) string {
	parts := []string{"memory"}
	if s.PostgresDSN != "" {
		parts[0] = "postgres"
	}
	if s.RedisURL != "" {
		parts = append(parts, "redis")
	}
	return strings.Join(parts, "+")
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int;
// float64 is accepted for JSON-shaped maps.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// optDuration reads a duration option. Strings are parsed with
// [time.ParseDuration] ("3s", "1500ms"); bare numbers are milliseconds.
// Invalid or missing values yield 0.
func optDuration(opts map[string]any, key string) time.Duration {
	if s := optString(opts, key); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			slog.Warn("invalid duration option, ignoring", "key", key, "value", s)
			return 0
		}
		return d
	}
	if n, ok := optInt(opts, key); ok {
		return time.Duration(n) * time.Millisecond
	}
	return 0
}
