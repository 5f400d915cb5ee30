// Package migrate exports task records to files and imports them back.
//
// Three formats are supported: JSONL (one record per line, the default),
// YAML and TOML. The YAML and TOML documents hold a single "tasks" list.
package migrate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/tasksync/internal/schema"
)

// Format names an export file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
)

// document is the YAML and TOML file layout.
type document struct {
	Tasks []schema.TaskRecord `yaml:"tasks" toml:"tasks"`
}

// ParseFormat accepts a format name as typed on the command line.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jsonl", "ndjson", "json":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unknown format %q (want jsonl, yaml or toml)", s)
	}
}

// DetectFormat picks the format from the file extension. Files without a
// known extension are JSONL.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSONL
	}
}

// Export writes records to w in the given format.
func Export(w io.Writer, records []schema.TaskRecord, format Format) error {
	switch format {
	case FormatJSONL, "":
		enc := json.NewEncoder(w)
		for i := range records {
			if err := enc.Encode(records[i]); err != nil {
				return fmt.Errorf("failed to encode task %s: %w", records[i].ID, err)
			}
		}
		return nil

	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(document{Tasks: records}); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()

	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(document{Tasks: records}); err != nil {
			return fmt.Errorf("failed to encode TOML: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// Import reads records from r. Timestamps are normalized; records are not
// validated here.
func Import(r io.Reader, format Format) ([]schema.TaskRecord, error) {
	var records []schema.TaskRecord

	switch format {
	case FormatJSONL, "":
		dec := json.NewDecoder(bufio.NewReader(r))
		for line := 1; ; line++ {
			var rec schema.TaskRecord
			if err := dec.Decode(&rec); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("invalid JSON at record %d: %w", line, err)
			}
			records = append(records, rec)
		}

	case FormatYAML:
		var doc document
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		records = doc.Tasks

	case FormatTOML:
		var doc document
		if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("invalid TOML: %w", err)
		}
		records = doc.Tasks

	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}

	for i := range records {
		records[i].Normalize()
	}
	return records, nil
}

// ExportFile writes records to path atomically via a temp file. An empty
// format is detected from the extension.
func ExportFile(path string, records []schema.TaskRecord, format Format) error {
	if format == "" {
		format = DetectFormat(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := Export(w, records, format); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ImportFile reads records from path. An empty format is detected from the
// extension.
func ImportFile(path string, format Format) ([]schema.TaskRecord, error) {
	if format == "" {
		format = DetectFormat(path)
	}
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()
	return Import(f, format)
}
