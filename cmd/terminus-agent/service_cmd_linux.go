//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	linuxBinaryPath  = "/usr/local/bin/terminus-agent"
	linuxUnitDst     = "/etc/systemd/system/terminus-agent.service"
	linuxConfigDir   = "/etc/terminus"
	linuxDataDir     = "/var/lib/terminus"
	linuxLogDir      = "/var/log/terminus"
	linuxServiceName = "terminus-agent"
)

// Embedded systemd unit. The agent records for as long as the unit is up;
// systemd restarts it if it dies.
const linuxUnit = `[Unit]
Description=Terminus Audio Evidence Agent
After=sound.target
Wants=sound.target

[Service]
Type=simple
ExecStart=/usr/local/bin/terminus-agent run
WorkingDirectory=/var/lib/terminus
Restart=on-failure
RestartSec=5
StartLimitIntervalSec=60
StartLimitBurst=5
KillSignal=SIGTERM
TimeoutStopSec=10

# Security hardening
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=/etc/terminus /var/lib/terminus /var/log/terminus
PrivateTmp=true
NoNewPrivileges=true
SupplementaryGroups=audio
DeviceAllow=char-alsa rw

# Logging (stdout goes to journald)
StandardOutput=journal
StandardError=journal
SyslogIdentifier=terminus-agent

[Install]
WantedBy=multi-user.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the Terminus Agent system service (systemd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo terminus-agent service install)")
		}

		for _, dir := range []string{linuxConfigDir, linuxDataDir, linuxLogDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.Chmod(linuxDataDir, 0700); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", linuxDataDir, err)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if out, err := exec.Command("systemctl", "daemon-reload").CombinedOutput(); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", strings.TrimSpace(string(out)))
		}
		if out, err := exec.Command("systemctl", "enable", "--now", linuxServiceName).CombinedOutput(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %s\n", strings.TrimSpace(string(out)))
		}

		fmt.Println()
		fmt.Println("Terminus Agent service installed and started.")
		fmt.Println()
		fmt.Printf("  Status:  sudo terminus-agent service status\n")
		fmt.Println("  Logs:    journalctl -u terminus-agent -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo terminus-agent service uninstall)")
		}

		exec.Command("systemctl", "stop", linuxServiceName).Run()
		exec.Command("systemctl", "disable", linuxServiceName).Run()
		os.Remove(linuxUnitDst)
		exec.Command("systemctl", "daemon-reload").Run()
		os.Remove(linuxBinaryPath)

		fmt.Println("Terminus Agent service uninstalled.")
		fmt.Printf("Recordings under %s were preserved.\n", linuxDataDir)
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}

		// systemctl status exits non-zero for a stopped unit.
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
