package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// sineWavePCM generates a 440Hz sine wave as raw PCM-16 LE bytes
func sineWavePCM(sampleRate int, duration float64) []byte {
	numSamples := int(float64(sampleRate) * duration)
	samples := make([]int16, numSamples)

	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		amplitude := 16383.0 // Half of max int16 to avoid clipping
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*440.0*t))
	}

	return SamplesToBytes(samples)
}

func TestFrameWAV(t *testing.T) {
	pcm := sineWavePCM(24000, 0.1)

	wavData, err := FrameWAV(pcm, 24000)
	if err != nil {
		t.Fatalf("FrameWAV failed: %v", err)
	}

	expectedSize := HeaderSize + len(pcm)
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	// Canonical header markers
	if string(wavData[0:4]) != "RIFF" {
		t.Errorf("Expected RIFF at bytes 0-3, got %q", wavData[0:4])
	}
	if string(wavData[8:12]) != "WAVE" {
		t.Errorf("Expected WAVE at bytes 8-11, got %q", wavData[8:12])
	}

	// data chunk size must equal the PCM payload length
	dataSize := binary.LittleEndian.Uint32(wavData[40:44])
	if int(dataSize) != len(pcm) {
		t.Errorf("Expected data chunk size %d, got %d", len(pcm), dataSize)
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}
}

func TestFrameWAVRoundTrip(t *testing.T) {
	pcm := sineWavePCM(16000, 0.05)

	wavData, err := FrameWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("FrameWAV failed: %v", err)
	}

	// Stripping the 44-byte header must recover the original PCM exactly
	if !bytes.Equal(wavData[HeaderSize:], pcm) {
		t.Error("Stripping WAV header did not recover original PCM bytes")
	}

	// Full decode must agree too
	samples, rate, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if rate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", rate)
	}

	if !bytes.Equal(SamplesToBytes(samples), pcm) {
		t.Error("Decoded samples do not match original PCM")
	}
}

func TestFrameWAVRejectsInvalidInput(t *testing.T) {
	if _, err := FrameWAV(nil, 16000); err == nil {
		t.Error("Expected error for empty PCM payload")
	}

	if _, err := FrameWAV([]byte{0x01}, 16000); err == nil {
		t.Error("Expected error for odd-length PCM payload")
	}

	if _, err := FrameWAV([]byte{0x01, 0x02}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}

	if _, err := FrameWAV([]byte{0x01, 0x02}, -8000); err == nil {
		t.Error("Expected error for negative sample rate")
	}
}

func TestGetWAVInfo(t *testing.T) {
	pcm := sineWavePCM(24000, 0.25)

	wavData, err := FrameWAV(pcm, 24000)
	if err != nil {
		t.Fatalf("FrameWAV failed: %v", err)
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}

	if info.SampleRate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", info.SampleRate)
	}

	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}

	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}

	expectedDuration := 0.25
	if math.Abs(info.Duration-expectedDuration) > 0.001 {
		t.Errorf("Expected duration %.3f, got %.3f", expectedDuration, info.Duration)
	}
}

func TestValidateWAVRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too_short", []byte("RIFF")},
		{"wrong_magic", bytes.Repeat([]byte{0x42}, 64)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateWAV(tc.data); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}
}

func TestSampleByteConversionRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345, -12345}

	data := SamplesToBytes(samples)
	back := BytesToSamples(data)

	if len(back) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(back))
	}

	for i := range samples {
		if back[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], back[i])
		}
	}
}
