package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

func TestCleanFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"My Song", "My_Song"},
		{"  padded  ", "padded"},
		{"../../etc/passwd", "etcpasswd"},
		{"take-2_final", "take-2_final"},
		{"ünïcode!", "ncode"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanFileName(tt.in), "input %q", tt.in)
	}
}

func TestRecordingPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/rec", "Late_Night.wav"), RecordingPath("/rec", "Late Night"))
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	path := RecordingPath(dir, "one second")
	format := audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32}
	require.NoError(t, WAVWriter{BitDepth: 16}.WriteSamples(format, path, make([]float32, 48000*2)))

	info, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, "one_second", info.Name)
	assert.Equal(t, 48000, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, 16, info.BitDepth)
	assert.InDelta(t, float64(time.Second), float64(info.Duration), float64(50*time.Millisecond))

	_, err = Inspect(filepath.Join(dir, "missing.wav"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecordings(t *testing.T) {
	dir := t.TempDir()
	format := audio.Format{SampleRate: 8000, Channels: 1, BitsPerSample: 32}

	require.NoError(t, WAVWriter{}.WriteSamples(format, RecordingPath(dir, "older"), make([]float32, 800)))
	require.NoError(t, WAVWriter{}.WriteSamples(format, RecordingPath(dir, "newer"), make([]float32, 800)))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(RecordingPath(dir, "older"), past, past))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.wav"), []byte("not a wav"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.wav"), 0755))

	recordings, err := ListRecordings(dir)
	require.NoError(t, err)
	require.Len(t, recordings, 2)
	assert.Equal(t, "newer", recordings[0].Name)
	assert.Equal(t, "older", recordings[1].Name)
	assert.Equal(t, 24, recordings[0].BitDepth)
}

func TestListRecordings_MissingDirectory(t *testing.T) {
	recordings, err := ListRecordings(filepath.Join(t.TempDir(), "nope"))
	assert.NoError(t, err)
	assert.Empty(t, recordings)
}
