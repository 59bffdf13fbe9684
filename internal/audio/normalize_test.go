package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTranscoder records invocations and returns canned output
type fakeTranscoder struct {
	output []byte
	err    error
	calls  int
}

func (f *fakeTranscoder) Transcode(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func TestNormalizeCanonicalPCMIsIdentity(t *testing.T) {
	norm := NewNormalizer(&fakeTranscoder{}, testLogger())
	pcm := sineWavePCM(16000, 0.02)

	encoded, err := norm.Normalize(context.Background(), pcm, "audio/pcm;rate=16000")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("Output is not valid base64: %v", err)
	}

	// Round-trip property: base64decode(normalize(x)) == x
	if !bytes.Equal(decoded, pcm) {
		t.Error("Canonical PCM input was modified by normalization")
	}
}

func TestNormalizePCMWithoutRateAssumesCanonical(t *testing.T) {
	norm := NewNormalizer(nil, testLogger())
	pcm := sineWavePCM(16000, 0.01)

	encoded, err := norm.Normalize(context.Background(), pcm, "audio/pcm")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	decoded, _ := base64.StdEncoding.DecodeString(encoded)
	if !bytes.Equal(decoded, pcm) {
		t.Error("Rate-less PCM input was modified by normalization")
	}
}

func TestNormalizeResamplesRawPCM(t *testing.T) {
	norm := NewNormalizer(nil, testLogger())
	pcm := sineWavePCM(8000, 0.1) // 800 samples

	encoded, err := norm.Normalize(context.Background(), pcm, "audio/pcm;rate=8000")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	decoded, _ := base64.StdEncoding.DecodeString(encoded)

	// 8kHz -> 16kHz doubles the sample count
	expectedSamples := len(pcm) / 2 * 2
	gotSamples := len(decoded) / 2
	if gotSamples != expectedSamples {
		t.Errorf("Expected %d resampled samples, got %d", expectedSamples, gotSamples)
	}
}

func TestNormalizeWAVContainerStripped(t *testing.T) {
	norm := NewNormalizer(nil, testLogger())
	pcm := sineWavePCM(16000, 0.02)

	wavData, err := FrameWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("FrameWAV failed: %v", err)
	}

	encoded, err := norm.Normalize(context.Background(), wavData, "audio/wav")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	decoded, _ := base64.StdEncoding.DecodeString(encoded)
	if !bytes.Equal(decoded, pcm) {
		t.Error("16kHz WAV payload should pass through after container strip")
	}
}

func TestNormalizeMislabelledWAVDetected(t *testing.T) {
	norm := NewNormalizer(&fakeTranscoder{}, testLogger())
	pcm := sineWavePCM(16000, 0.02)

	wavData, err := FrameWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("FrameWAV failed: %v", err)
	}

	// Declared as webm but actually a RIFF buffer: the signature wins
	// and the transcoder must not be invoked.
	ft := &fakeTranscoder{}
	norm = NewNormalizer(ft, testLogger())

	encoded, err := norm.Normalize(context.Background(), wavData, "audio/webm")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if ft.calls != 0 {
		t.Errorf("Transcoder invoked %d times for a WAV buffer", ft.calls)
	}

	decoded, _ := base64.StdEncoding.DecodeString(encoded)
	if !bytes.Equal(decoded, pcm) {
		t.Error("Mislabelled WAV payload not recovered")
	}
}

func TestNormalizeCompressedUsesTranscoder(t *testing.T) {
	want := sineWavePCM(16000, 0.01)
	ft := &fakeTranscoder{output: want}
	norm := NewNormalizer(ft, testLogger())

	encoded, err := norm.Normalize(context.Background(), []byte{0x1a, 0x45, 0xdf, 0xa3, 0x00}, "audio/webm")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if ft.calls != 1 {
		t.Errorf("Expected exactly one transcoder call, got %d", ft.calls)
	}

	decoded, _ := base64.StdEncoding.DecodeString(encoded)
	if !bytes.Equal(decoded, want) {
		t.Error("Transcoder output not propagated")
	}
}

func TestNormalizeTranscoderFailureSurfaces(t *testing.T) {
	transcodeErr := errors.New("exit status 1")
	norm := NewNormalizer(&fakeTranscoder{err: transcodeErr}, testLogger())

	_, err := norm.Normalize(context.Background(), []byte{0x00, 0x01}, "audio/webm")
	if err == nil {
		t.Fatal("Expected error from failing transcoder")
	}

	if !errors.Is(err, transcodeErr) {
		t.Errorf("Expected wrapped transcoder error, got %v", err)
	}
}

func TestNormalizeRejectsEmptyChunk(t *testing.T) {
	norm := NewNormalizer(nil, testLogger())

	if _, err := norm.Normalize(context.Background(), nil, "audio/pcm;rate=16000"); err == nil {
		t.Error("Expected error for empty chunk")
	}
}

func TestNormalizeRejectsInvalidRate(t *testing.T) {
	norm := NewNormalizer(nil, testLogger())

	for _, mimeType := range []string{"audio/pcm;rate=abc", "audio/pcm;rate=-1", "audio/pcm;rate=0"} {
		if _, err := norm.Normalize(context.Background(), []byte{0x00, 0x01}, mimeType); err == nil {
			t.Errorf("Expected error for MIME type %q", mimeType)
		}
	}
}

func TestResamplePCM16(t *testing.T) {
	cases := []struct {
		name     string
		srcRate  int
		dstRate  int
		inLen    int
		expected int
	}{
		{"upsample_2x", 8000, 16000, 100, 200},
		{"downsample_3x", 48000, 16000, 300, 100},
		{"downsample_1.5x", 24000, 16000, 300, 200},
		{"identity", 16000, 16000, 100, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := make([]int16, tc.inLen)
			for i := range in {
				in[i] = int16(i % 100)
			}

			out := ResamplePCM16(in, tc.srcRate, tc.dstRate)
			if len(out) != tc.expected {
				t.Errorf("Expected %d output samples, got %d", tc.expected, len(out))
			}
		})
	}
}

func TestResamplePCM16PreservesSilence(t *testing.T) {
	in := make([]int16, 480) // silence

	out := ResamplePCM16(in, 48000, 16000)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("Sample %d: expected silence, got %d", i, s)
		}
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"audio/webm": ".webm",
		"audio/ogg":  ".ogg",
		"audio/mp4":  ".m4a",
		"audio/mpeg": ".mp3",
		"audio/flac": ".flac",
		"who/knows":  ".bin",
	}

	for mimeType, want := range cases {
		if got := extensionFor(mimeType); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", mimeType, got, want)
		}
	}
}

func ExampleFrameWAV() {
	pcm := []byte{0x00, 0x00, 0xff, 0x7f}
	wav, _ := FrameWAV(pcm, 16000)
	fmt.Println(len(wav))
	// Output: 48
}
