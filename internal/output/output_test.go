package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type row struct {
	Name  string `json:"name" yaml:"name"`
	Owner string `json:"owner" yaml:"owner"`
}

type rows []row

func (r rows) WriteText(w io.Writer) error {
	for _, x := range r {
		if _, err := fmt.Fprintf(w, "%s=%s\n", x.Name, x.Owner); err != nil {
			return err
		}
	}
	return nil
}

func testRows() rows {
	return rows{{Name: "org.example.A", Owner: ":1.1"}, {Name: "org.example.B", Owner: ":1.2"}}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  FormatType
		want    any
		wantErr bool
	}{
		{FormatText, &TextFormatter{}, false},
		{"", &TextFormatter{}, false},
		{FormatJSON, &JSONFormatter{}, false},
		{FormatYAML, &YAMLFormatter{}, false},
		{"xml", nil, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f, err := NewFormatter(tt.format, FormatterOptions{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, f)
		})
	}
}

func TestTextFormatter_UsesTexter(t *testing.T) {
	var buf bytes.Buffer
	f, err := NewTextFormatter(FormatterOptions{})
	require.NoError(t, err)
	require.NoError(t, f.Format(&buf, testRows()))
	assert.Equal(t, "org.example.A=:1.1\norg.example.B=:1.2\n", buf.String())
}

func TestTextFormatter_Template(t *testing.T) {
	var buf bytes.Buffer
	f, err := NewTextFormatter(FormatterOptions{Template: `{{range .}}{{truncate .Name 8}} {{end}}`})
	require.NoError(t, err)
	require.NoError(t, f.Format(&buf, testRows()))
	assert.Equal(t, "org.e... org.e... \n", buf.String())
}

func TestTextFormatter_BadTemplate(t *testing.T) {
	_, err := NewTextFormatter(FormatterOptions{Template: "{{.Name"})
	assert.Error(t, err)
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewJSONFormatter().Format(&buf, testRows()))

	var decoded []row
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, []row(testRows()), decoded)
}

func TestYAMLFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewYAMLFormatter().Format(&buf, testRows()))
	assert.Contains(t, buf.String(), "- name: org.example.A\n")

	var decoded []row
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded, 2)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 0, "hello"},
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"hello", 2, "he"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.max), "%q/%d", tt.in, tt.max)
	}
}

func TestRelativeTime(t *testing.T) {
	assert.Equal(t, "unknown", RelativeTime(time.Time{}))
	assert.Contains(t, RelativeTime(time.Now().Add(-3*time.Minute)), "minutes ago")
}
