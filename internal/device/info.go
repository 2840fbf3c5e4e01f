// Package device holds the immutable per-session device snapshot: the
// persistent identity, a display name, the OS label and live battery charge.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Info is captured once at session start and passed by value into the
// capture loop and sealer.
type Info struct {
	DeviceID   string
	DeviceName *string
	OSVersion  string
}

// IdentitySource yields the persistent device id.
type IdentitySource interface {
	GetOrCreate() (string, error)
}

// hostInfo is swapped in tests.
var hostInfo = host.Info

// Collect builds the session snapshot. nameOverride wins over the hostname;
// DeviceName stays nil when neither is available.
func Collect(ids IdentitySource, nameOverride string) (Info, error) {
	id, err := ids.GetOrCreate()
	if err != nil {
		return Info{}, fmt.Errorf("device identity: %w", err)
	}

	info := Info{DeviceID: id, OSVersion: runtime.GOOS}

	hi, err := hostInfo()
	if err == nil && hi != nil {
		info.OSVersion = osLabel(hi)
		if hi.Hostname != "" {
			name := hi.Hostname
			info.DeviceName = &name
		}
	}

	if n := strings.TrimSpace(nameOverride); n != "" {
		info.DeviceName = &n
	}
	return info, nil
}

func osLabel(hi *host.InfoStat) string {
	platform := hi.Platform
	if platform == "" {
		platform = hi.OS
	}
	label := strings.TrimSpace(platform + " " + hi.PlatformVersion)
	if hi.KernelVersion != "" {
		label += " (kernel " + hi.KernelVersion + ")"
	}
	if label == "" {
		return runtime.GOOS
	}
	return label
}
