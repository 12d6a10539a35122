package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogStorage manages saving step logs to files, one directory per run.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage rooted at baseDir.
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog saves the output of one step as <base>/<run>/<NN>-<step>.log and
// returns the path. NN is the step index, so steps whose names sanitize to
// the same string never share a file.
func (ls *LogStorage) SaveLog(runID string, index int, step string, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID))
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}

	filePath := filepath.Join(dir, logFileName(index, step))
	if err := os.WriteFile(filePath, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("write log: %w", err)
	}
	return filePath, nil
}

// ReadLog returns the content of a saved log. Paths outside BaseDir are rejected.
func (ls *LogStorage) ReadLog(path string) (string, error) {
	base, err := filepath.Abs(ls.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("log path %q is outside %q", path, ls.BaseDir)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func logFileName(index int, step string) string {
	return fmt.Sprintf("%02d-%s.log", index, sanitize(step))
}

// sanitize removes special characters from step names for filenames
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '/':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "step"
	}
	return b.String()
}
