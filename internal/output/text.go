package output

import (
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
)

// TextFormatter renders results for a terminal. A template, when set, wins
// over the result's own rendering.
type TextFormatter struct {
	template *template.Template
}

// NewTextFormatter creates a text formatter, parsing opts.Template if set.
func NewTextFormatter(opts FormatterOptions) (*TextFormatter, error) {
	f := &TextFormatter{}
	if opts.Template != "" {
		tmpl, err := template.New("text").Funcs(TemplateFuncs()).Parse(opts.Template)
		if err != nil {
			return nil, fmt.Errorf("invalid template: %w", err)
		}
		f.template = tmpl
	}
	return f, nil
}

// Format writes v as text.
func (f *TextFormatter) Format(w io.Writer, v any) error {
	if f.template != nil {
		if err := f.template.Execute(w, v); err != nil {
			return err
		}
		_, err := fmt.Fprintln(w)
		return err
	}
	if t, ok := v.(Texter); ok {
		return t.WriteText(w)
	}
	_, err := fmt.Fprintln(w, v)
	return err
}

// TemplateFuncs are the helpers available to --template.
func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"truncate": Truncate,
		"reltime":  RelativeTime,
		"bytes": func(n int64) string {
			if n < 0 {
				return "?"
			}
			return humanize.Bytes(uint64(n))
		},
		"join": strings.Join,
	}
}

// Truncate shortens s to maxLen bytes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// RelativeTime renders t relative to now, e.g. "3 minutes ago".
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return humanize.Time(t)
}
