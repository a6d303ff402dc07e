// Package audio converts between the telephony wire codec (8 kHz G.711 μ-law,
// base64-wrapped in media frames) and the raw 16-bit PCM used by the speech
// engines.
//
// All functions are pure and stateless except [FormatConverter], which keeps
// one-shot logging state and is created per call direction.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Frame is a chunk of 16-bit little-endian mono PCM.
type Frame struct {
	Data []byte

	// SampleRate in Hz (8000 for telephony, 16000/24000 for duplex engines).
	SampleRate int
}

// Empty reports whether the frame carries no samples.
func (f Frame) Empty() bool { return len(f.Data) < 2 }

// FormatConverter brings the PCM of one call direction to a fixed rate, for
// example caller audio to a duplex engine's input rate or engine audio to
// [TelephonySampleRate]. Frames with an odd byte count are dropped, and both
// the first drop and the first resample are logged once per converter.
type FormatConverter struct {
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NewFormatConverter returns a converter to rate.
func NewFormatConverter(rate int) *FormatConverter {
	return &FormatConverter{TargetRate: rate}
}

// Convert returns frame at the target rate. Frames already at the target
// rate are returned unchanged.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd PCM byte count, dropping frame",
				"bytes", len(frame.Data),
				"rate", rateString(frame.SampleRate),
			)
		})
		return Frame{SampleRate: c.TargetRate}
	}
	if frame.SampleRate == c.TargetRate {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: resampling stream",
			"from", rateString(frame.SampleRate),
			"to", rateString(c.TargetRate),
		)
	})
	return Frame{
		Data:       ResampleMono16(frame.Data, frame.SampleRate, c.TargetRate),
		SampleRate: c.TargetRate,
	}
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// rateString returns e.g. "24000Hz mono".
func rateString(rate int) string {
	return fmt.Sprintf("%dHz mono", rate)
}
