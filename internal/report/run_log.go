package report

import (
	"log/slog"
	"os"
	"path/filepath"
)

// RunLog is an append-only JSONL log of import run events (run.start,
// run.host.error, run.complete, ...). One JSON object per line.
type RunLog struct {
	file   *os.File
	logger *slog.Logger
}

func NewRunLog(path string, level slog.Leveler) (*RunLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && dir != "." {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	h := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	return &RunLog{file: f, logger: slog.New(h)}, nil
}

// Logger returns the run log's logger. A nil RunLog logs nowhere.
func (l *RunLog) Logger() *slog.Logger {
	if l == nil || l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

func (l *RunLog) Close() {
	if l == nil || l.file == nil {
		return
	}
	_ = l.file.Close()
	l.file = nil
}
