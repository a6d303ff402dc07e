package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/medvoice/internal/config"
	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/internal/gateway"
	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/provider/duplex"
	"github.com/MrWong99/medvoice/pkg/provider/stt"
	"github.com/MrWong99/medvoice/pkg/types"
)

// Values recorded as the booking channel of an appointment.
const (
	bookedViaTurn   = "phone_ai"
	bookedViaDuplex = "duplex_ai"
)

// newTransport is the [gateway.TransportFactory] of the app. Every call gets
// its own orchestrator or duplex transport built from the configuration in
// effect when the call starts.
func (a *App) newTransport(mode dialogue.Mode, env gateway.CallEnv) (dialogue.Transport, error) {
	cfg := a.cfg.Load()
	safety := dialogue.Safety{
		Emergency: cfg.Dialogue.EmergencyPhrases,
		Transfer:  cfg.Dialogue.TransferPhrases,
	}

	if mode == dialogue.ModeFullDuplex {
		if a.providers.Duplex != nil && cfg.Duplex.Enabled {
			tools := a.newTools(bookedViaDuplex)
			return dialogue.NewDuplexTransport(a.providers.Duplex, dialogue.DuplexConfig{
				Session:  duplexSession(cfg.Duplex),
				Clinic:   cfg.Clinic,
				Safety:   safety,
				Transfer: a.transferFunc(env),
			}, env.Call, tools, a.store, env.Sink, env.Hooks), nil
		}
		slog.Warn("app: full-duplex requested but not enabled, using turn mode", "call_sid", env.Call.CallSID)
	}

	lm := dialogue.NewLM(a.llm, dialogue.LMConfig{
		Temperature: cfg.Dialogue.Temperature,
		MaxTokens:   cfg.Dialogue.MaxTokens,
		Clinic:      cfg.Clinic,
	})
	speaker := dialogue.NewTTSSpeaker(a.providers.TTS, voiceProfiles(cfg), env.Sink)
	orch := dialogue.NewOrchestrator(env.Call, lm, speaker, a.newTools(bookedViaTurn), a.store, dialogue.Config{
		MinChunkChars: cfg.Dialogue.MinChunkChars,
		Clinic:        cfg.Clinic,
		Safety:        safety,
		Transfer:      a.transferFunc(env),
	})
	return dialogue.NewTurnTransport(a.providers.STT, stt.StreamConfig{
		SilenceTimeout: cfg.Dialogue.SilenceTimeout,
		ReadyTimeout:   cfg.Gateway.ReadyTimeout,
	}, orch, env.Hooks), nil
}

func (a *App) newTools(via string) *dialogue.ToolExecutor {
	tools := dialogue.NewToolExecutor(a.booking, a.notifier, via)
	tools.OnExecuted = func(name string, ok bool, elapsed time.Duration) {
		status := "ok"
		if !ok {
			status = "error"
		}
		a.metrics.RecordToolCall(context.Background(), name, status, elapsed)
	}
	return tools
}

// transferFunc returns nil when no transferer is configured, which keeps the
// caller on the line after the transfer message.
func (a *App) transferFunc(env gateway.CallEnv) dialogue.TransferFunc {
	if a.transferer == nil {
		return nil
	}
	return func(ctx context.Context, sess *dialogue.CallSession) error {
		if env.AwaitPlayback != nil {
			env.AwaitPlayback(ctx)
		}
		return a.transferer.Transfer(ctx, sess.CallSID)
	}
}

// voiceProfiles converts the configured voices to synthesis profiles.
func voiceProfiles(cfg *config.Config) map[lang.Language]types.VoiceProfile {
	name := cfg.Providers.TTS.Name
	return map[lang.Language]types.VoiceProfile{
		lang.French: {
			ID:          cfg.Voices.French.VoiceID,
			Provider:    name,
			Language:    lang.French.Locale(),
			SpeedFactor: cfg.Voices.French.SpeedFactor,
		},
		lang.English: {
			ID:          cfg.Voices.English.VoiceID,
			Provider:    name,
			Language:    lang.English.Locale(),
			SpeedFactor: cfg.Voices.English.SpeedFactor,
		},
	}
}

// duplexSession starts from the clinic defaults and applies the overrides
// set in c.
func duplexSession(c config.DuplexConfig) duplex.SessionConfig {
	s := duplex.ClinicDefaults()
	if c.VoiceID != "" {
		s.VoiceID = c.VoiceID
	}
	s.VoiceEmbedding = c.VoiceEmbedding
	if c.Backchannels != nil {
		s.Behaviour.Backchannels = *c.Backchannels
	}
	if c.Interruptions != nil {
		s.Behaviour.Interruptions = *c.Interruptions
	}
	if c.VADThreshold > 0 {
		s.Behaviour.VADThreshold = c.VADThreshold
	}
	if c.SilenceTimeout > 0 {
		s.Behaviour.SilenceTimeout = c.SilenceTimeout
	}
	return s
}
