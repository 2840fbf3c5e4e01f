package capture

// PermissionGate reports whether microphone capture is still permitted.
// Granted returns an error wrapping ErrPermissionRevoked when it is not.
type PermissionGate interface {
	Granted() error
}

// AlwaysGranted is the gate for sources that need no device access.
type AlwaysGranted struct{}

func (AlwaysGranted) Granted() error { return nil }

// GateFunc adapts a function to PermissionGate.
type GateFunc func() error

func (f GateFunc) Granted() error { return f() }
