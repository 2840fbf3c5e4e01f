//go:build unix

package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DeviceAccessGate checks that the agent can still open the capture device
// node. Path may name a device file or a directory of ALSA nodes such as
// /dev/snd, in which case at least one capture PCM node must be usable.
// A missing path is a hardware problem, not a permission one, so it passes.
type DeviceAccessGate struct {
	Path string
}

func (g DeviceAccessGate) Granted() error {
	if g.Path == "" {
		return nil
	}
	info, err := os.Stat(g.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: stat %s: %v", ErrPermissionRevoked, g.Path, err)
		}
		return nil
	}

	if !info.IsDir() {
		return checkAccess(g.Path, unix.R_OK|unix.W_OK)
	}

	if err := checkAccess(g.Path, unix.R_OK|unix.X_OK); err != nil {
		return err
	}
	nodes, _ := filepath.Glob(filepath.Join(g.Path, "pcmC*D*c"))
	if len(nodes) == 0 {
		return nil
	}
	var last error
	for _, node := range nodes {
		if last = checkAccess(node, unix.R_OK|unix.W_OK); last == nil {
			return nil
		}
	}
	return last
}

func checkAccess(path string, mode uint32) error {
	err := unix.Access(path, mode)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s: %v", ErrPermissionRevoked, path, err)
	default:
		return nil
	}
}
