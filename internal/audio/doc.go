// Package audio handles audio format normalization and WAV framing.
// It converts arbitrary client-supplied chunks (raw PCM, WAV, or compressed
// containers via an external transcoder) into canonical 16kHz mono 16-bit
// PCM, and wraps model output PCM with standard RIFF/WAVE headers for playback.
package audio
