package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// FFmpegTranscoder shells out to an ffmpeg binary to decode compressed
// containers (WebM/Opus, Ogg, MP4, ...) into raw 16-bit mono PCM at
// TargetSampleRate. One synchronous invocation per chunk; both temporary
// files are removed on every path, success or failure.
type FFmpegTranscoder struct {
	binaryPath string
	tempDir    string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewFFmpegTranscoder creates a transcoder backed by the given ffmpeg
// binary. An empty tempDir falls back to the OS default; a zero timeout
// defaults to 10 seconds per chunk.
func NewFFmpegTranscoder(binaryPath, tempDir string, timeout time.Duration, logger *slog.Logger) *FFmpegTranscoder {
	if binaryPath == "" {
		binaryPath = "ffmpeg"
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &FFmpegTranscoder{
		binaryPath: binaryPath,
		tempDir:    tempDir,
		timeout:    timeout,
		logger:     logger,
	}
}

// Transcode decodes one compressed audio chunk. The subprocess is killed
// if ctx is cancelled (session teardown) or the per-chunk timeout fires.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input buffer")
	}

	in, err := os.CreateTemp(t.tempDir, "voice-in-*"+extensionFor(mimeType))
	if err != nil {
		return nil, fmt.Errorf("create temp input file: %w", err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)

	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, fmt.Errorf("write temp input file: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("close temp input file: %w", err)
	}

	outPath := inPath + ".pcm"
	defer os.Remove(outPath)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", inPath,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(TargetSampleRate),
		"-ac", "1",
		outPath,
	}

	cmd := exec.CommandContext(ctx, t.binaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, stderr.String())
	}

	pcm, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read transcoded output: %w", err)
	}

	if len(pcm) == 0 {
		return nil, fmt.Errorf("ffmpeg produced empty output for %q input", mimeType)
	}

	if t.logger != nil {
		t.logger.Debug("Transcoded audio chunk",
			slog.String("mime_type", mimeType),
			slog.Int("input_bytes", len(data)),
			slog.Int("output_bytes", len(pcm)),
			slog.Duration("elapsed", time.Since(started)),
		)
	}

	return pcm, nil
}

// extensionFor gives ffmpeg a filename hint for container detection.
func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/ogg", "application/ogg":
		return ".ogg"
	case "audio/mp4", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/flac":
		return ".flac"
	default:
		return ".bin"
	}
}
