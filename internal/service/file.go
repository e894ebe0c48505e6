// Package service loads D-Bus .service descriptors and launches the programs
// they describe when a message is addressed to an unowned name.
package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/shlex"
	"gopkg.in/ini.v1"

	"github.com/jmylchreest/minibus/internal/wire"
)

// Group is the only section of a descriptor the bus reads.
const Group = "D-BUS Service"

var (
	// ErrInvalidFile is returned for descriptors that cannot be used.
	ErrInvalidFile = errors.New("invalid service file")

	// ErrInvalidExec is returned when the Exec line cannot be split into
	// arguments.
	ErrInvalidExec = errors.New("invalid Exec line")
)

// File is a parsed service descriptor. It is not modified after parsing.
type File struct {
	Name                 string
	Exec                 string
	User                 string
	SystemdService       string
	AssumedAppArmorLabel string

	Path    string
	ModTime time.Time
}

// ParseFile reads and parses the descriptor at path.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open service file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat service file: %w", err)
	}

	sf, err := Parse(f, path)
	if err != nil {
		return nil, err
	}
	sf.ModTime = info.ModTime()
	return sf, nil
}

// loadOptions keep descriptor values literal: no inline comments, line
// continuations or quote stripping, and only "=" separates keys.
var loadOptions = ini.LoadOptions{
	AllowNonUniqueSections:  true,
	IgnoreInlineComment:     true,
	IgnoreContinuation:      true,
	PreserveSurroundedQuote: true,
	KeyValueDelimiters:      "=",
}

// Parse reads a descriptor in desktop-entry syntax. Keys outside the
// [D-BUS Service] group and unknown keys are ignored.
func Parse(r io.Reader, path string) (*File, error) {
	cfg, err := ini.LoadSources(loadOptions, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidFile, path, err)
	}
	if keys := cfg.Section(ini.DefaultSection).KeyStrings(); len(keys) > 0 {
		return nil, fmt.Errorf("%w: %s: key %q outside any group", ErrInvalidFile, path, keys[0])
	}

	sections, err := cfg.SectionsByName(Group)
	if err != nil || len(sections) == 0 {
		return nil, fmt.Errorf("%w: %s: missing [%s] group", ErrInvalidFile, path, Group)
	}
	if len(sections) > 1 {
		return nil, fmt.Errorf("%w: %s: duplicate [%s] group", ErrInvalidFile, path, Group)
	}

	sec := sections[0]
	sf := &File{
		Name:                 sec.Key("Name").String(),
		Exec:                 sec.Key("Exec").String(),
		User:                 sec.Key("User").String(),
		SystemdService:       sec.Key("SystemdService").String(),
		AssumedAppArmorLabel: sec.Key("AssumedAppArmorLabel").String(),
		Path:                 path,
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return sf, nil
}

// Validate checks that the required keys are present and well formed.
func (f *File) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: %s: missing Name", ErrInvalidFile, f.Path)
	}
	if !wire.ValidWellKnownName(f.Name) {
		return fmt.Errorf("%w: %s: %q is not a valid bus name", ErrInvalidFile, f.Path, f.Name)
	}
	if f.Exec == "" {
		return fmt.Errorf("%w: %s: missing Exec", ErrInvalidFile, f.Path)
	}
	if _, err := f.Args(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidFile, f.Path, err)
	}
	return nil
}

// Args splits the Exec line into a program and its arguments with shell
// word rules: quotes group words, a backslash escapes the next character
// outside single quotes, and a word starting with # begins a comment.
func (f *File) Args() ([]string, error) {
	return splitExec(f.Exec)
}

func splitExec(line string) ([]string, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExec, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidExec)
	}
	return args, nil
}
