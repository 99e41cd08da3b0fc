package logutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
)

// Configure installs a charm logger on stderr as the slog default at the
// given level (trace, debug, info, warn, error, fatal).
func Configure(levelRaw string) error {
	logger, err := New(os.Stderr, levelRaw)
	if err != nil {
		return err
	}
	log.SetDefault(logger)
	slog.SetDefault(slog.New(logger))
	return nil
}

// New builds a charm logger writing to w.
func New(w io.Writer, levelRaw string) (*log.Logger, error) {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	}), nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.TrimSpace(levelRaw)
	switch strings.ToLower(levelRaw) {
	case "":
		return log.InfoLevel, nil
	case "trace", "trac":
		// No native trace level; trace is the most verbose mode.
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}
