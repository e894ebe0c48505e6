package wire

import "fmt"

// Standard error names returned by the bus.
const (
	ErrorFailed               = "org.freedesktop.DBus.Error.Failed"
	ErrorServiceUnknown       = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNameHasNoOwner       = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrorNoReply              = "org.freedesktop.DBus.Error.NoReply"
	ErrorTimedOut             = "org.freedesktop.DBus.Error.TimedOut"
	ErrorUnknownMethod        = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownInterface     = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorInvalidArgs          = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorAccessDenied         = "org.freedesktop.DBus.Error.AccessDenied"
	ErrorLimitsExceeded       = "org.freedesktop.DBus.Error.LimitsExceeded"
	ErrorUnixProcessIDUnknown = "org.freedesktop.DBus.Error.UnixProcessIdUnknown"
	ErrorSpawnExecFailed      = "org.freedesktop.DBus.Error.Spawn.ExecFailed"
	ErrorSpawnServiceInvalid  = "org.freedesktop.DBus.Error.Spawn.ServiceNotValid"
	ErrorSpawnFailed          = "org.freedesktop.DBus.Error.Spawn.Failed"
	ErrorSpawnChildExited     = "org.freedesktop.DBus.Error.Spawn.ChildExited"
	ErrorMatchRuleInvalid     = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrorUnknownProperty      = "org.freedesktop.DBus.Error.UnknownProperty"
)

// Error is a D-Bus error reply surfaced as a Go error.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Is matches another *Error with the same name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Name == e.Name
}
