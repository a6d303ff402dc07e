// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The primary entry point is SynthesizeStream, which accepts a channel of text
// fragments and returns a channel of audio bytes as they become available.
// This lets the dialogue layer pipe sentence chunks from the language model
// straight into synthesis.
//
// Providers used on a telephone call emit G.711 μ-law at 8 kHz so chunks can
// be queued for the telephony leg without transcoding.
package tts

import (
	"context"

	"github.com/MrWong99/medvoice/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// SynthesizeStream consumes text fragments and returns a channel that emits
	// audio chunks as they are synthesised. The audio channel is closed when
	// all text has been synthesised, on a provider error, or when ctx is
	// cancelled. The caller must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
