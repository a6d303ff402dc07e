// Package mock provides a test double for the tts.Provider interface.
//
// By default Provider "synthesises" each text fragment into audio equal to the
// fragment's bytes, so tests can assert on what was spoken by reading the
// audio back. Set SynthesizeChunks to emit fixed audio instead.
//
// Example:
//
//	p := &mock.Provider{}
//	audio, _ := p.SynthesizeStream(ctx, textCh, voice)
//	// ... later
//	p.Texts() // every fragment received, in order
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/medvoice/pkg/provider/tts"
	"github.com/MrWong99/medvoice/pkg/types"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks, if non-nil, is emitted once per stream instead of
	// echoing the text fragments.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// --- Call records ---

	texts  []string
	voices []types.VoiceProfile
}

// SynthesizeStream records the voice and every received fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.voices = append(p.voices, voice)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	fixed := p.SynthesizeChunks
	p.mu.Unlock()

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		send := func(b []byte) bool {
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case s, ok := <-text:
				if !ok {
					for _, c := range fixed {
						if !send(c) {
							return
						}
					}
					return
				}
				p.mu.Lock()
				p.texts = append(p.texts, s)
				p.mu.Unlock()
				if fixed == nil && !send([]byte(s)) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns ListVoicesResult.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, nil
}

// Texts returns every text fragment received across all streams, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// Voices returns the voice used for each SynthesizeStream call.
func (p *Provider) Voices() []types.VoiceProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.VoiceProfile(nil), p.voices...)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
