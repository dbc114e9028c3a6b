// Package export persists captured recordings.
package export

import (
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

// DefaultBitDepth is used when a WAVWriter has no bit depth set.
const DefaultBitDepth = 24

// chunkFrames is how many frames are converted per encoder write.
const chunkFrames = 4096

// WAVWriter writes interleaved float32 samples as integer PCM WAV files.
type WAVWriter struct {
	BitDepth int
}

var _ audio.SampleWriter = WAVWriter{}

// ValidBitDepth reports whether depth is supported by WAVWriter.
func ValidBitDepth(depth int) bool {
	return depth == 16 || depth == 24 || depth == 32
}

// WriteSamples writes samples to path. The file is written next to path
// under a temporary name and renamed into place once complete.
func (w WAVWriter) WriteSamples(format audio.Format, path string, samples []float32) error {
	depth := w.BitDepth
	if depth == 0 {
		depth = DefaultBitDepth
	}
	if !ValidBitDepth(depth) {
		return fmt.Errorf("unsupported bit depth: %d", depth)
	}
	if !format.Valid() {
		return fmt.Errorf("%w: %s", audio.ErrInvalidFormat, format)
	}
	if len(samples)%format.Channels != 0 {
		return fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), format.Channels)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := encode(tmp, format, depth, samples); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move recording into place: %w", err)
	}
	committed = true
	return nil
}

func encode(f *os.File, format audio.Format, depth int, samples []float32) error {
	rate := int(format.SampleRate)
	enc := wav.NewEncoder(f, rate, depth, format.Channels, 1)

	scale := float64(int64(1)<<(depth-1) - 1)
	chunk := chunkFrames * format.Channels
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: format.Channels},
		SourceBitDepth: depth,
		Data:           make([]int, 0, min(chunk, len(samples))),
	}

	// An empty recording still gets a header.
	if len(samples) == 0 {
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("failed to write to WAV encoder: %w", err)
		}
	}

	for start := 0; start < len(samples); start += chunk {
		end := min(start+chunk, len(samples))
		buf.Data = buf.Data[:0]
		for _, s := range samples[start:end] {
			buf.Data = append(buf.Data, toPCM(s, scale))
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("failed to write to WAV encoder: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV file: %w", err)
	}
	return nil
}

func toPCM(s float32, scale float64) int {
	v := float64(s)
	switch {
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int(v * scale)
}
