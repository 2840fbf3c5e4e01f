//go:build !unix

package capture

// DeviceAccessGate is a no-op where device nodes are not exposed.
type DeviceAccessGate struct {
	Path string
}

func (DeviceAccessGate) Granted() error { return nil }
