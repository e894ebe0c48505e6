// Package output renders minibus CLI results as text, JSON or YAML.
package output

import (
	"fmt"
	"io"
)

// Formatter writes a result to w.
type Formatter interface {
	Format(w io.Writer, v any) error
}

// Texter is implemented by results that know their own text rendering.
type Texter interface {
	WriteText(w io.Writer) error
}

// FormatType represents an output format type.
type FormatType string

const (
	FormatText FormatType = "text"
	FormatJSON FormatType = "json"
	FormatYAML FormatType = "yaml"
)

// FormatterOptions configures formatter behavior.
type FormatterOptions struct {
	Template string // Go template for text output, applied to the result
}

// NewFormatter creates a formatter for the specified format type.
func NewFormatter(format FormatType, opts FormatterOptions) (Formatter, error) {
	switch format {
	case FormatJSON:
		return NewJSONFormatter(), nil
	case FormatYAML:
		return NewYAMLFormatter(), nil
	case FormatText, "":
		return NewTextFormatter(opts)
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}
