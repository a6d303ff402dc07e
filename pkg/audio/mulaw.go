package audio

import (
	"encoding/base64"
	"log/slog"
	"time"
)

// TelephonySampleRate is the fixed sample rate of the telephony leg (G.711).
const TelephonySampleRate = 8000

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeForTelephony wraps raw μ-law bytes into the base64 payload carried by
// an outbound media frame.
func EncodeForTelephony(mulaw []byte) string {
	if len(mulaw) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(mulaw)
}

// DecodeFromTelephony unwraps the base64 payload of an inbound media frame into
// raw μ-law bytes. Malformed payloads yield an empty slice and a warning; the
// caller never sees an error.
func DecodeFromTelephony(payload string) []byte {
	if payload == "" {
		return []byte{}
	}
	out, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		slog.Warn("audio: malformed telephony payload", "bytes", len(payload), "err", err)
		return []byte{}
	}
	return out
}

// PCMToMulaw converts 16-bit little-endian mono PCM at srcRate into G.711
// μ-law at [TelephonySampleRate]. A trailing odd byte is ignored.
func PCMToMulaw(pcm []byte, srcRate int) []byte {
	if len(pcm)%2 != 0 {
		slog.Debug("audio: odd PCM byte count, truncating", "bytes", len(pcm))
		pcm = pcm[:len(pcm)-1]
	}
	if srcRate != TelephonySampleRate {
		pcm = ResampleMono16(pcm, srcRate, TelephonySampleRate)
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = linearToMulaw(s)
	}
	return out
}

// MulawToPCM expands G.711 μ-law into 16-bit little-endian mono PCM at
// [TelephonySampleRate].
func MulawToPCM(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, u := range mulaw {
		s := mulawToLinear(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Duration reports the playback length of μ-law audio at 8 kHz.
func Duration(mulaw []byte) time.Duration {
	return time.Duration(len(mulaw)) * time.Second / TelephonySampleRate
}

func linearToMulaw(s int16) byte {
	v := int(s)
	var sign int
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}
