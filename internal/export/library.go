package export

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// ErrNotFound is returned when a recording does not exist on disk.
var ErrNotFound = errors.New("recording not found")

// RecordingInfo describes a persisted recording.
type RecordingInfo struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	ModTime    time.Time     `json:"mod_time"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	BitDepth   int           `json:"bit_depth"`
	Duration   time.Duration `json:"duration"`
}

// Inspect reads the header of the WAV file at path.
func Inspect(path string) (RecordingInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RecordingInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return RecordingInfo{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return RecordingInfo{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return RecordingInfo{}, fmt.Errorf("%s is not a valid WAV file", path)
	}

	info := RecordingInfo{
		Name:       strings.TrimSuffix(filepath.Base(path), Extension),
		Path:       path,
		Size:       st.Size(),
		ModTime:    st.ModTime(),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if d, err := dec.Duration(); err == nil {
		info.Duration = d
	}
	return info, nil
}

// ListRecordings returns the recordings in dir, newest first. Files that are
// not valid WAV files are skipped. A missing directory holds no recordings.
func ListRecordings(dir string) ([]RecordingInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recordings []RecordingInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), Extension) {
			continue
		}
		info, err := Inspect(filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Warn("Skipping unreadable recording", "file", entry.Name(), "error", err)
			continue
		}
		recordings = append(recordings, info)
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}
