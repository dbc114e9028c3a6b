package export

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

func decodeWAV(t *testing.T, path string) (*wav.Decoder, []int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile(), "not a valid WAV file: %s", path)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	return dec, buf.Data
}

func TestWAVWriter_RoundTrip(t *testing.T) {
	tests := []struct {
		depth int
		max   int
	}{
		{16, 32767},
		{24, 8388607},
		{32, 2147483647},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dbit", tt.depth), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "take.wav")
			format := audio.Format{SampleRate: 44100, Channels: 2, BitsPerSample: 32}
			samples := []float32{0, 0, 1, -1, 0.5, -0.5, 2, -2}

			require.NoError(t, WAVWriter{BitDepth: tt.depth}.WriteSamples(format, path, samples))

			dec, data := decodeWAV(t, path)
			assert.Equal(t, uint32(44100), dec.SampleRate)
			assert.Equal(t, uint16(2), dec.NumChans)
			assert.Equal(t, uint16(tt.depth), dec.BitDepth)
			require.Len(t, data, len(samples))

			assert.Equal(t, 0, data[0])
			assert.Equal(t, tt.max, data[2])
			assert.Equal(t, -tt.max, data[3])
			assert.InDelta(t, tt.max/2, data[4], 1)
			assert.Equal(t, tt.max, data[6], "values above 1 are clamped")
			assert.Equal(t, -tt.max, data[7], "values below -1 are clamped")
		})
	}
}

func TestWAVWriter_LargeInputIsChunked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long.wav")
	format := audio.Format{SampleRate: 48000, Channels: 2}
	samples := make([]float32, 48000*2*3)

	require.NoError(t, WAVWriter{BitDepth: 16}.WriteSamples(format, path, samples))

	_, data := decodeWAV(t, path)
	assert.Len(t, data, len(samples))
}

func TestWAVWriter_EmptyRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	require.NoError(t, WAVWriter{}.WriteSamples(audio.Format{SampleRate: 48000, Channels: 2}, path, nil))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	assert.Equal(t, uint16(DefaultBitDepth), dec.BitDepth)
	assert.Equal(t, uint16(2), dec.NumChans)
}

func TestWAVWriter_CreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c.wav")
	require.NoError(t, WAVWriter{BitDepth: 16}.WriteSamples(audio.Format{SampleRate: 8000, Channels: 1}, path, []float32{0.1}))

	_, err := os.Stat(path)
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must not be left behind")
}

func TestWAVWriter_Rejects(t *testing.T) {
	dir := t.TempDir()
	stereo := audio.Format{SampleRate: 48000, Channels: 2}

	assert.Error(t, WAVWriter{BitDepth: 8}.WriteSamples(stereo, filepath.Join(dir, "a.wav"), nil))
	assert.ErrorIs(t, WAVWriter{}.WriteSamples(audio.Format{}, filepath.Join(dir, "b.wav"), nil), audio.ErrInvalidFormat)
	assert.Error(t, WAVWriter{}.WriteSamples(stereo, filepath.Join(dir, "c.wav"), []float32{1, 2, 3}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
