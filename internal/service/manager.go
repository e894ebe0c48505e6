package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrServiceUnknown means no descriptor provides the requested name.
	ErrServiceUnknown = errors.New("service unknown")

	// ErrNotExecutable means the descriptor's program cannot be run.
	ErrNotExecutable = errors.New("service executable not found or not executable")
)

// ActivationError reports a failure to launch a service program.
type ActivationError struct {
	Name string
	Err  error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("failed to activate %s: %v", e.Name, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// Bus types passed to activated services in DBUS_STARTER_BUS_TYPE.
const (
	BusTypeSession = "session"
	BusTypeSystem  = "system"
)

// DefaultActivationTimeout is how long an activation stays in flight before
// it may be retried.
const DefaultActivationTimeout = 25 * time.Second

// Result tells the caller whether Activate launched a process.
type Result int

const (
	// Started means a new process was spawned.
	Started Result = iota
	// Pending means an earlier activation of the same name is still in
	// flight; nothing was spawned.
	Pending
)

// Activation is the in-flight marker for one launched service.
type Activation struct {
	ID      ulid.ULID
	Name    string
	Started time.Time
	PID     int
}

// ExitHandler is called from a background goroutine when an activated
// process exits. err is the result of waiting on the process.
type ExitHandler func(act Activation, err error)

// Manager keeps the descriptor registry and the set of in-flight
// activations.
type Manager struct {
	mu     sync.RWMutex
	logger *slog.Logger

	dirs       []string
	services   map[string]*File
	activating map[string]Activation

	timeout time.Duration
	output  io.Writer
	onExit  ExitHandler
	now     func() time.Time
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:     logger,
		services:   make(map[string]*File),
		activating: make(map[string]Activation),
		timeout:    DefaultActivationTimeout,
		now:        time.Now,
	}
}

// SetActivationTimeout sets how long an activation marker lives.
func (m *Manager) SetActivationTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// SetOutput sends the stdout and stderr of spawned services to w. By
// default they are discarded.
func (m *Manager) SetOutput(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = w
}

// SetExitHandler registers a callback for activated process exits.
func (m *Manager) SetExitHandler(h ExitHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = h
}

// Dirs returns the directories scanned by the last Load.
func (m *Manager) Dirs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.dirs...)
}

// Load replaces the registry with the descriptors found in dirs and returns
// how many were loaded. Directories are read in order and a later directory
// wins when two descriptors claim the same name. Files that fail to parse
// are logged and skipped. In-flight activations survive.
func (m *Manager) Load(dirs []string) int {
	services := make(map[string]*File)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				m.logger.Debug("service directory does not exist", "dir", dir)
			} else {
				m.logger.Warn("failed to read service directory", "dir", dir, "error", err)
			}
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".service") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			sf, err := ParseFile(path)
			if err != nil {
				m.logger.Warn("skipping service file", "path", path, "error", err)
				continue
			}
			if prev, ok := services[sf.Name]; ok {
				m.logger.Debug("service file overrides earlier definition",
					"name", sf.Name, "path", path, "previous", prev.Path)
			}
			services[sf.Name] = sf
		}
	}

	m.mu.Lock()
	m.dirs = append([]string(nil), dirs...)
	m.services = services
	m.mu.Unlock()

	m.logger.Info("loaded service files", "count", len(services))
	return len(services)
}

// Reload rescans the directories given to the last Load.
func (m *Manager) Reload() int {
	return m.Load(m.Dirs())
}

// Has reports whether a descriptor exists for name.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.services[name]
	return ok
}

// Lookup returns the descriptor for name.
func (m *Manager) Lookup(name string) (*File, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sf, ok := m.services[name]
	return sf, ok
}

// Names returns every activatable name, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Activating reports whether an unexpired activation of name is in flight.
func (m *Manager) Activating(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	act, ok := m.activating[name]
	return ok && !m.expired(act, m.now())
}

// Activation returns the in-flight marker for name.
func (m *Manager) Activation(name string) (Activation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	act, ok := m.activating[name]
	return act, ok
}

func (m *Manager) expired(act Activation, now time.Time) bool {
	return m.timeout > 0 && now.Sub(act.Started) >= m.timeout
}

// Activate launches the program providing name. busAddress is handed to the
// child so it can connect back, and busType is "session" or "system".
func (m *Manager) Activate(name, busAddress, busType string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sf, ok := m.services[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrServiceUnknown, name)
	}

	now := m.now()
	if act, ok := m.activating[name]; ok && !m.expired(act, now) {
		m.logger.Debug("activation already in flight", "name", name, "activation", act.ID)
		return Pending, nil
	}

	args, err := sf.Args()
	if err != nil {
		return 0, &ActivationError{Name: name, Err: err}
	}
	program, err := resolveExecutable(args[0])
	if err != nil {
		return 0, &ActivationError{Name: name, Err: err}
	}

	cmd := exec.Command(program, args[1:]...)
	cmd.Args[0] = args[0]
	cmd.Env = activationEnv(os.Environ(), busAddress, busType)
	cmd.Stdout = m.output
	cmd.Stderr = m.output
	if sf.User != "" && busType == BusTypeSystem {
		if err := runAs(cmd, sf.User); err != nil {
			return 0, &ActivationError{Name: name, Err: err}
		}
	}

	if err := cmd.Start(); err != nil {
		return 0, &ActivationError{Name: name, Err: err}
	}

	act := Activation{
		ID:      ulid.Make(),
		Name:    name,
		Started: now,
		PID:     cmd.Process.Pid,
	}
	m.activating[name] = act
	m.logger.Info("activating service",
		"name", name, "activation", act.ID, "pid", act.PID, "exec", sf.Exec)

	go m.reap(cmd, act)
	return Started, nil
}

// reap waits for the child so it never lingers as a zombie.
func (m *Manager) reap(cmd *exec.Cmd, act Activation) {
	err := cmd.Wait()
	m.logger.Debug("activated process exited",
		"name", act.Name, "activation", act.ID, "pid", act.PID, "error", err)

	m.mu.RLock()
	onExit := m.onExit
	m.mu.RUnlock()
	if onExit != nil {
		onExit(act, err)
	}
}

// Completed clears the activation marker for name once the service has
// claimed it. It reports whether a marker existed.
func (m *Manager) Completed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activating[name]
	delete(m.activating, name)
	return ok
}

// Fail clears the marker for act if it is still the current activation of
// its name. It reports whether the marker was cleared.
func (m *Manager) Fail(act Activation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.activating[act.Name]
	if !ok || cur.ID != act.ID {
		return false
	}
	delete(m.activating, act.Name)
	return true
}

// Expire removes markers older than the activation timeout and returns them
// sorted by name. A fresh Activate is accepted afterwards.
func (m *Manager) Expire(now time.Time) []Activation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Activation
	for name, act := range m.activating {
		if m.expired(act, now) {
			expired = append(expired, act)
			delete(m.activating, name)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Name < expired[j].Name })
	return expired
}

func resolveExecutable(program string) (string, error) {
	path := program
	if !filepath.IsAbs(program) {
		found, err := exec.LookPath(program)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotExecutable, program)
		}
		path = found
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}
	return path, nil
}

// activationEnv returns base with the bus address variables set, replacing
// any inherited values.
func activationEnv(base []string, busAddress, busType string) []string {
	set := map[string]string{
		"DBUS_STARTER_ADDRESS":  busAddress,
		"DBUS_STARTER_BUS_TYPE": busType,
	}
	if busType == BusTypeSystem {
		set["DBUS_SYSTEM_BUS_ADDRESS"] = busAddress
	} else {
		set["DBUS_SESSION_BUS_ADDRESS"] = busAddress
	}

	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := set[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+set[k])
	}
	return env
}
