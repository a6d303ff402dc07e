package dialogue

import (
	"context"
	"fmt"

	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/provider/tts"
	"github.com/MrWong99/medvoice/pkg/types"
)

// AudioSink receives telephony-ready (μ-law 8 kHz) audio for playback.
type AudioSink interface {
	Enqueue(chunk []byte)
}

// Speaker turns text into audio delivered to the caller.
type Speaker interface {
	Speak(ctx context.Context, text string, l lang.Language) error
}

// TTSSpeaker synthesizes text with a streaming TTS provider and enqueues the
// resulting audio on a sink. Synthesis must be configured for μ-law 8 kHz so
// chunks can be played back without conversion.
type TTSSpeaker struct {
	provider tts.Provider
	voices   map[lang.Language]types.VoiceProfile
	sink     AudioSink
}

var _ Speaker = (*TTSSpeaker)(nil)

// NewTTSSpeaker returns a speaker using the voice configured for each
// language. A language without a voice uses the French one.
func NewTTSSpeaker(p tts.Provider, voices map[lang.Language]types.VoiceProfile, sink AudioSink) *TTSSpeaker {
	return &TTSSpeaker{provider: p, voices: voices, sink: sink}
}

// Speak synthesizes text and blocks until all of its audio was enqueued.
func (s *TTSSpeaker) Speak(ctx context.Context, text string, l lang.Language) error {
	voice, ok := s.voices[l]
	if !ok {
		voice = s.voices[lang.French]
	}
	in := make(chan string, 1)
	in <- text
	close(in)

	audio, err := s.provider.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return fmt.Errorf("dialogue: synthesize: %w", err)
	}
	for chunk := range audio {
		if len(chunk) > 0 {
			s.sink.Enqueue(chunk)
		}
	}
	return ctx.Err()
}
