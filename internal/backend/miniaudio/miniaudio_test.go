package miniaudio

import (
	"testing"

	"github.com/gen2brain/malgo"
	"github.com/stretchr/testify/assert"
)

func TestSelectBackend(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		goos    string
		want    malgo.Backend
		wantErr bool
	}{
		{"linux default", "", "linux", malgo.BackendPulseaudio, false},
		{"windows default", "", "windows", malgo.BackendWasapi, false},
		{"darwin default", "", "darwin", malgo.BackendCoreaudio, false},
		{"other os lets miniaudio choose", "", "freebsd", malgo.BackendNull, false},
		{"explicit alsa", "ALSA", "linux", malgo.BackendAlsa, false},
		{"pulse alias", "pulse", "linux", malgo.BackendPulseaudio, false},
		{"unknown", "jack2", "linux", malgo.BackendNull, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectBackend(tt.config, tt.goos)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindMonitor(t *testing.T) {
	captures := []string{
		"Built-in Microphone",
		"Monitor of Built-in Audio Analog Stereo",
		"Monitor of HDMI Output",
	}

	assert.Equal(t, 1, findMonitor("Built-in Audio Analog Stereo", captures))
	assert.Equal(t, 2, findMonitor("hdmi output", captures))
	assert.Equal(t, -1, findMonitor("USB Headset", captures))
	assert.Equal(t, -1, findMonitor("Speakers", nil))
}

func TestFindMonitor_LooseMatch(t *testing.T) {
	captures := []string{"Speakers (Realtek) monitor"}
	assert.Equal(t, 0, findMonitor("Speakers (Realtek)", captures))
}
