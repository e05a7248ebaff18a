package nws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// FileSource serves alerts from a fixture file, re-read on every fetch. The
// file holds either a JSON array of alerts or a GeoJSON feature collection.
type FileSource struct {
	path   string
	logger *slog.Logger
}

func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, logger: logger}
}

func (s *FileSource) Fetch(ctx context.Context) ([]domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return DecodeFixture(data, s.logger)
}

// DecodeFixture parses fixture bytes in either supported layout.
func DecodeFixture(data []byte, logger *slog.Logger) ([]domain.Alert, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var alerts []domain.Alert
		if err := json.Unmarshal(trimmed, &alerts); err != nil {
			return nil, fmt.Errorf("decode alert list: %w", err)
		}
		return alerts, nil
	}

	alerts, skipped, err := DecodeFeatureCollection(bytes.NewReader(trimmed))
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		logger.Warn("skipping unparseable feature", "error", e)
	}
	return alerts, nil
}

// WriteFixture writes alerts as an indented JSON array.
func WriteFixture(path string, alerts []domain.Alert) error {
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create fixture dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	return nil
}
