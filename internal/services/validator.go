// Package services holds request-side checks shared by the HTTP handlers.
package services

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mediaforge/backend/internal/models"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// ErrValidation can be used with errors.Is to detect rejected params.
var ErrValidation = errors.New("validation failed")

// FieldError is one rejected field. Field is a dotted path below params.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Module models.Module
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid %s params: %s", e.Module, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validator checks job params against one JSON schema per module.
type Validator struct {
	schemas map[models.Module]*jsonschema.Schema
}

// DefaultSchemas are the schemas built into the binary.
func DefaultSchemas() fs.FS {
	sub, err := fs.Sub(embeddedSchemas, "schemas")
	if err != nil {
		panic(err)
	}
	return sub
}

// NewValidator compiles every <module>.json in fsys. Every known module must
// have a schema.
func NewValidator(fsys fs.FS) (*Validator, error) {
	files, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	schemas := make(map[models.Module]*jsonschema.Schema, len(files))
	for _, name := range files {
		module := models.Module(strings.TrimSuffix(name, path.Ext(name)))
		if !module.Valid() {
			return nil, fmt.Errorf("schema %q: unknown module", name)
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		id := "https://mediaforge.dev/schemas/params/" + name
		schema, err := jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", name, err)
		}
		schemas[module] = schema
	}
	for _, m := range models.Modules {
		if _, ok := schemas[m]; !ok {
			return nil, fmt.Errorf("no params schema for module %q", m)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate rejects params that do not match the module's schema. Empty params
// are validated as an empty object.
func (v *Validator) Validate(m models.Module, params json.RawMessage) error {
	schema, ok := v.schemas[m]
	if !ok {
		return &ValidationError{Module: m, Fields: []FieldError{{Field: "module", Message: "unknown module"}}}
	}
	if len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		params = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return &ValidationError{Module: m, Fields: []FieldError{{Field: "params", Message: "must be a JSON object"}}}
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate %s params: %w", m, err)
	}
	return &ValidationError{Module: m, Fields: fieldErrors(ve)}
}

// fieldErrors flattens the leaves of a schema error tree.
func fieldErrors(ve *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, FieldError{Field: fieldName(e.InstanceLocation), Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func fieldName(loc string) string {
	loc = strings.Trim(loc, "/")
	if loc == "" {
		return "params"
	}
	return "params." + strings.ReplaceAll(loc, "/", ".")
}
