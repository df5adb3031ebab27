package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
)

const (
	DefaultSampleRate = 16000
	BytesPerSample    = 2
)

// DurationMs returns how long n bytes of mono PCM16 last at rate.
func DurationMs(n, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return int64(n/BytesPerSample) * 1000 / int64(rate)
}

// BytesForMs is the inverse of DurationMs, aligned to whole samples.
func BytesForMs(ms, rate int) int {
	return ms * rate / 1000 * BytesPerSample
}

// Samples decodes little-endian PCM16. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCMBytes encodes samples as little-endian PCM16.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DBFS is the RMS level of a PCM16 frame relative to full scale. Silence
// returns -120.
func DBFS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return -120
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(rms)
}

// Resample converts mono PCM16 samples between rates by linear interpolation.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(in) == 0 {
		return in
	}
	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac)
	}
	return out
}

// ContainerMIME maps a client input format hint, or the leading bytes of
// the stream, to a mime type speech engines accept.
func ContainerMIME(hint string, head []byte) string {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "webm":
		return "audio/webm"
	case "ogg", "opus":
		return "audio/ogg"
	case "mp3", "mpeg":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "mp4", "m4a", "aac":
		return "audio/mp4"
	}
	switch {
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "audio/webm"
	case bytes.HasPrefix(head, []byte("OggS")):
		return "audio/ogg"
	case bytes.HasPrefix(head, []byte("RIFF")):
		return "audio/wav"
	case bytes.HasPrefix(head, []byte("ID3")), len(head) > 1 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	case len(head) > 8 && bytes.Equal(head[4:8], []byte("ftyp")):
		return "audio/mp4"
	}
	return "audio/webm"
}

// FileExtension returns a file name suffix for a container mime type.
func FileExtension(mime string) string {
	switch mime {
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	case "audio/mp4":
		return ".m4a"
	default:
		return ".webm"
	}
}
