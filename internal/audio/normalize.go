package audio

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strconv"
	"strings"
)

const (
	// TargetSampleRate is the canonical sample rate consumed by the
	// upstream streaming model.
	TargetSampleRate = 16000

	// TargetMimeType tags normalized audio forwarded upstream.
	TargetMimeType = "audio/pcm;rate=16000"
)

// Transcoder decodes a compressed audio container into raw 16-bit mono
// little-endian PCM at TargetSampleRate. Implementations are expected to
// honor context cancellation so a closing session can abort in-flight work.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, mimeType string) ([]byte, error)
}

// Normalizer converts arbitrary client-supplied audio chunks into the
// canonical 16kHz mono 16-bit PCM stream, base64-encoded for the upstream
// wire format. It is stateless across calls; chunk ordering is the
// caller's concern.
type Normalizer struct {
	transcoder Transcoder
	logger     *slog.Logger
}

// NewNormalizer creates a normalizer with the given transcoding backend.
// The backend is only invoked for compressed container formats.
func NewNormalizer(transcoder Transcoder, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		transcoder: transcoder,
		logger:     logger,
	}
}

// Normalize converts a single audio chunk to base64-encoded 16kHz mono
// 16-bit PCM. Input already in the canonical format passes through
// untouched apart from the base64 encoding.
func (n *Normalizer) Normalize(ctx context.Context, data []byte, declaredMime string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty audio chunk")
	}

	mediaType, params, err := mime.ParseMediaType(declaredMime)
	if err != nil {
		// Clients occasionally send bare type strings that the strict
		// parser rejects; fall back to the raw tag.
		mediaType = strings.ToLower(strings.TrimSpace(declaredMime))
		params = nil
	}

	switch mediaType {
	case "audio/pcm", "audio/l16", "audio/x-raw":
		rate, err := declaredRate(params)
		if err != nil {
			return "", err
		}

		if rate == TargetSampleRate {
			// Already canonical: identity + base64.
			return base64.StdEncoding.EncodeToString(data), nil
		}

		return n.resampleRaw(data, rate)

	case "audio/wav", "audio/x-wav", "audio/wave":
		return n.normalizeWAV(data)

	default:
		if IsWAV(data) {
			// Mislabelled but recognizable WAV buffer.
			return n.normalizeWAV(data)
		}

		if n.transcoder == nil {
			return "", fmt.Errorf("unsupported audio format %q and no transcoder configured", declaredMime)
		}

		pcm, err := n.transcoder.Transcode(ctx, data, mediaType)
		if err != nil {
			return "", fmt.Errorf("transcode %q chunk: %w", mediaType, err)
		}

		if len(pcm) == 0 {
			return "", fmt.Errorf("transcoder produced no audio for %q chunk", mediaType)
		}

		return base64.StdEncoding.EncodeToString(pcm), nil
	}
}

// normalizeWAV strips the container and resamples the payload if needed.
func (n *Normalizer) normalizeWAV(data []byte) (string, error) {
	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return "", fmt.Errorf("decode WAV chunk: %w", err)
	}

	if rate == TargetSampleRate {
		return base64.StdEncoding.EncodeToString(SamplesToBytes(samples)), nil
	}

	resampled := ResamplePCM16(samples, rate, TargetSampleRate)
	return base64.StdEncoding.EncodeToString(SamplesToBytes(resampled)), nil
}

// resampleRaw resamples an uncontainerized 16-bit PCM buffer in process.
func (n *Normalizer) resampleRaw(data []byte, srcRate int) (string, error) {
	if len(data) < 2 {
		return "", fmt.Errorf("PCM chunk too short to resample: %d bytes", len(data))
	}

	resampled := ResamplePCM16(BytesToSamples(data), srcRate, TargetSampleRate)
	if len(resampled) == 0 {
		return "", fmt.Errorf("resampling %dHz chunk produced no samples", srcRate)
	}

	return base64.StdEncoding.EncodeToString(SamplesToBytes(resampled)), nil
}

// declaredRate extracts the sample rate from MIME parameters, defaulting
// to the canonical rate when the client omits it.
func declaredRate(params map[string]string) (int, error) {
	raw, ok := params["rate"]
	if !ok || raw == "" {
		return TargetSampleRate, nil
	}

	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("invalid sample rate %q in MIME parameters", raw)
	}

	return rate, nil
}

// ResamplePCM16 converts PCM-16 samples between sample rates using linear
// interpolation. Good enough for speech input; the upstream model is
// tolerant of interpolation artifacts.
func ResamplePCM16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}

		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}

	return out
}
