// Package definitions loads chain definitions from YAML or JSON files.
package definitions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chainflow/pkg/schema"
)

// Saver persists a chain definition.
type Saver interface {
	SaveDefinition(ctx context.Context, def *schema.ChainDefinition) error
}

// DefinitionValidator rejects malformed definitions before they are saved.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.ChainDefinition) error
}

// Parse decodes every document in data. YAML is a superset of JSON, so both
// formats go through the YAML decoder; documents are re-encoded as JSON so
// the JSON field names apply, input_schema included.
func Parse(data []byte) ([]*schema.ChainDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition payload is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []*schema.ChainDefinition
	for i := 0; ; i++ {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode document %d: %s", i, err.Error()).WithCause(err)
		}
		if doc == nil {
			continue
		}

		raw, err := json.Marshal(normalize(doc))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "document %d: %s", i, err.Error()).WithCause(err)
		}
		var def schema.ChainDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "document %d is not a chain definition: %s", i, err.Error()).WithCause(err)
		}
		defs = append(defs, &def)
	}
	if len(defs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition payload has no documents")
	}
	return defs, nil
}

// ParseFile reads and parses a definition file.
func ParseFile(path string) ([]*schema.ChainDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defs, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// normalize turns map[any]any produced for non-string keys into
// map[string]any so the document can be encoded as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}

// LoadFailure is a file or definition that could not be loaded.
type LoadFailure struct {
	File         string `json:"file"`
	DefinitionID string `json:"definition_id,omitempty"`
	Error        string `json:"error"`
}

// LoadReport summarizes a directory load.
type LoadReport struct {
	Loaded   []string      `json:"loaded"`
	Failures []LoadFailure `json:"failures,omitempty"`
}

// Loader validates definition files and saves them.
type Loader struct {
	saver     Saver
	validator DefinitionValidator
	logger    *slog.Logger
}

// NewLoader creates a Loader. validator may be nil.
func NewLoader(saver Saver, validator DefinitionValidator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{saver: saver, validator: validator, logger: logger}
}

// IsDefinitionFile reports whether name has a supported extension.
func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir loads every definition file directly under dir, in name order.
// A bad file or definition is reported and skipped; the rest still load.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*LoadReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	report := &LoadReport{Loaded: []string{}}
	for _, name := range names {
		path := filepath.Join(dir, name)
		ids, failures := l.loadFile(ctx, path)
		report.Loaded = append(report.Loaded, ids...)
		report.Failures = append(report.Failures, failures...)
	}

	l.logger.InfoContext(ctx, "chain definitions loaded",
		"dir", dir, "files", len(names), "loaded", len(report.Loaded), "failed", len(report.Failures))
	return report, nil
}

// LoadFile loads one file and fails on the first bad definition.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]string, error) {
	ids, failures := l.loadFile(ctx, path)
	if len(failures) > 0 {
		f := failures[0]
		if f.DefinitionID != "" {
			return ids, schema.NewErrorf(schema.ErrCodeValidation, "%s: definition %s: %s", f.File, f.DefinitionID, f.Error)
		}
		return ids, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", f.File, f.Error)
	}
	return ids, nil
}

func (l *Loader) loadFile(ctx context.Context, path string) ([]string, []LoadFailure) {
	defs, err := ParseFile(path)
	if err != nil {
		l.logger.WarnContext(ctx, "skipping definition file", "file", path, "error", err.Error())
		return nil, []LoadFailure{{File: path, Error: err.Error()}}
	}

	var ids []string
	var failures []LoadFailure
	for _, def := range defs {
		if err := l.Save(ctx, def); err != nil {
			l.logger.WarnContext(ctx, "skipping chain definition",
				"file", path, "definition_id", def.ID, "error", err.Error())
			failures = append(failures, LoadFailure{File: path, DefinitionID: def.ID, Error: message(err)})
			continue
		}
		ids = append(ids, def.ID)
	}
	return ids, failures
}

// Save validates def and persists it. File-backed definitions need a stable
// id so that reloading updates instead of duplicating.
func (l *Loader) Save(ctx context.Context, def *schema.ChainDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition has no id")
	}
	if l.validator != nil {
		if err := l.validator.ValidateDefinition(def); err != nil {
			return err
		}
	}
	return l.saver.SaveDefinition(ctx, def)
}

func message(err error) string {
	var ce *schema.ChainError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
