package export

import (
	"path/filepath"
	"strings"
)

// Extension is the file extension of persisted recordings.
const Extension = ".wav"

// CleanFileName keeps letters, digits, spaces, hyphens and underscores and
// turns spaces into underscores.
func CleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// RecordingPath returns where the recording called name is stored in dir.
func RecordingPath(dir, name string) string {
	return filepath.Join(dir, CleanFileName(name)+Extension)
}
