package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *File
		wantErr bool
	}{
		{
			name: "minimal",
			content: `[D-BUS Service]
Name=org.example.Echo
Exec=/usr/bin/echo-service
`,
			want: &File{Name: "org.example.Echo", Exec: "/usr/bin/echo-service", Path: "test.service"},
		},
		{
			name: "all keys with comments and spacing",
			content: `# Echo service
[D-BUS Service]
Name = org.example.Echo
Exec=/usr/bin/echo-service --session
User=nobody
SystemdService=echo.service
AssumedAppArmorLabel=/usr/bin/echo-service
X-Unknown=ignored
`,
			want: &File{
				Name:                 "org.example.Echo",
				Exec:                 "/usr/bin/echo-service --session",
				User:                 "nobody",
				SystemdService:       "echo.service",
				AssumedAppArmorLabel: "/usr/bin/echo-service",
				Path:                 "test.service",
			},
		},
		{
			name: "other groups ignored",
			content: `[Desktop Entry]
Name=Not this one
[D-BUS Service]
Name=org.example.Echo
Exec=echo
`,
			want: &File{Name: "org.example.Echo", Exec: "echo", Path: "test.service"},
		},
		{
			name: "exec kept literal",
			content: `[D-BUS Service]
Name=org.example.Echo
Exec="/opt/echo service/bin" --sep=a;b # trailing \
`,
			want: &File{Name: "org.example.Echo", Exec: `"/opt/echo service/bin" --sep=a;b # trailing \`, Path: "test.service"},
		},
		{
			name:    "quoted exec keeps its quotes",
			content: "[D-BUS Service]\nName=org.example.Echo\nExec=\"/opt/echo service/bin\"\nUser=nobody\n",
			want:    &File{Name: "org.example.Echo", Exec: `"/opt/echo service/bin"`, User: "nobody", Path: "test.service"},
		},
		{
			name:    "later key wins",
			content: "[D-BUS Service]\nName=org.example.Old\nName=org.example.New\nExec=x\n",
			want:    &File{Name: "org.example.New", Exec: "x", Path: "test.service"},
		},
		{name: "missing group", content: "Name=org.example.Echo\nExec=x\n", wantErr: true},
		{name: "key before group", content: "Name=org.a.B\n[D-BUS Service]\nName=org.a.B\nExec=x\n", wantErr: true},
		{name: "colon is not a delimiter", content: "[D-BUS Service]\nName:org.example.Echo\nExec=x\n", wantErr: true},
		{name: "missing name", content: "[D-BUS Service]\nExec=x\n", wantErr: true},
		{name: "missing exec", content: "[D-BUS Service]\nName=org.example.Echo\n", wantErr: true},
		{name: "invalid name", content: "[D-BUS Service]\nName=echo\nExec=x\n", wantErr: true},
		{name: "unique name", content: "[D-BUS Service]\nName=:1.4\nExec=x\n", wantErr: true},
		{name: "no equals", content: "[D-BUS Service]\nName org.example.Echo\n", wantErr: true},
		{name: "bad header", content: "[D-BUS Service\nName=org.example.Echo\nExec=x\n", wantErr: true},
		{name: "unterminated quote", content: "[D-BUS Service]\nName=org.example.Echo\nExec=\"x\n", wantErr: true},
		{name: "duplicate group", content: "[D-BUS Service]\nName=org.a.B\nExec=x\n[D-BUS Service]\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.content), "test.service")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFile)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFileRecordsModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.service")
	require.NoError(t, os.WriteFile(path, []byte("[D-BUS Service]\nName=org.example.Echo\nExec=echo\n"), 0644))

	sf, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, sf.Path)
	assert.False(t, sf.ModTime.IsZero())

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.service"))
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	tests := []struct {
		exec    string
		want    []string
		wantErr bool
	}{
		{exec: "/usr/bin/svc", want: []string{"/usr/bin/svc"}},
		{exec: "/usr/bin/svc  --a   b", want: []string{"/usr/bin/svc", "--a", "b"}},
		{exec: `svc "two words" 'single $quoted'`, want: []string{"svc", "two words", "single $quoted"}},
		{exec: `svc a\ b "q\"uote"`, want: []string{"svc", "a b", `q"uote`}},
		{exec: `svc ''`, want: []string{"svc", ""}},
		{exec: `svc 'back\slash'`, want: []string{"svc", `back\slash`}},
		{exec: `"/opt/echo service/bin" --sep=a;b`, want: []string{"/opt/echo service/bin", "--sep=a;b"}},
		{exec: "svc --flag # comment", want: []string{"svc", "--flag"}},
		{exec: "svc a#b", want: []string{"svc", "a#b"}},
		{exec: `svc "open`, wantErr: true},
		{exec: `svc \`, wantErr: true},
		{exec: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.exec, func(t *testing.T) {
			got, err := (&File{Exec: tt.exec}).Args()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidExec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
