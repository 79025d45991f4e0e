// Package logutil wires the CLI logger and bridges it into log/slog so
// packages that log through slog share the same output.
package logutil

import (
	"fmt"
	"log/slog"
	"strings"

	log "github.com/charmbracelet/log"
)

func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	slog.SetDefault(slog.New(log.Default()))
	return nil
}
