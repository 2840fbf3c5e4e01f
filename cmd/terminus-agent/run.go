package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terminus/agent/internal/audit"
	"github.com/terminus/agent/internal/capture"
	"github.com/terminus/agent/internal/config"
	"github.com/terminus/agent/internal/device"
	"github.com/terminus/agent/internal/logging"
	"github.com/terminus/agent/internal/supervisor"
	"github.com/terminus/agent/internal/vault"
	"github.com/terminus/agent/internal/wav"
)

var log = logging.L("main")

var sourceOverride string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start recording until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()
		if sourceOverride != "" {
			cfg.Source = sourceOverride
		}
		return runAgent(cfg)
	},
}

func init() {
	runCmd.Flags().StringVar(&sourceOverride, "source", "", "override source (ffmpeg, arecord, synthetic)")
}

// buildSource picks the audio input and the permission gate guarding it.
func buildSource(cfg *config.Config) (capture.Source, capture.PermissionGate, error) {
	switch strings.ToLower(cfg.Source) {
	case "synthetic":
		return &capture.SyntheticSource{Frequency: 440, Amplitude: 0.2, Realtime: true}, capture.AlwaysGranted{}, nil
	case capture.BackendFFmpeg, capture.BackendARecord:
		src := capture.NewExecSource(strings.ToLower(cfg.Source), cfg.SourceDevice)
		return src, capture.DeviceAccessGate{Path: cfg.CaptureDevicePath}, nil
	default:
		return nil, nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func runAgent(cfg *config.Config) error {
	src, gate, err := buildSource(cfg)
	if err != nil {
		return err
	}

	info, err := device.Collect(device.NewIdentityStore(cfg.DataDir), cfg.DeviceName)
	if err != nil {
		return err
	}

	auditLog, err := audit.NewLogger(cfg.DataDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		log.Warn("audit trail unavailable, continuing without it", logging.KeyError, err.Error())
	}
	defer auditLog.Close()

	v := vault.New(cfg.VaultRoot())
	if err := v.EnsureLayout(); err != nil {
		return err
	}
	sealer := vault.NewSealer(v, device.SystemBattery{})

	loopCfg := capture.Config{
		Format:        wav.Mono16(uint32(cfg.SampleRate)),
		ChunkDuration: time.Duration(cfg.ChunkDurationSeconds) * time.Second,
		TempDir:       cfg.TempDir,
	}
	sup := supervisor.New(func(observe capture.Observer) supervisor.Runner {
		return capture.NewLoop(loopCfg, src, gate, sealer, observe)
	}, supervisor.Options{
		StopTimeout: time.Duration(cfg.StopTimeoutMs) * time.Millisecond,
		Audit:       auditLog,
	})

	fmt.Printf("Starting Terminus Agent v%s\n", version)
	fmt.Printf("Device ID: %s\n", info.DeviceID)
	fmt.Printf("Vault: %s\n", v.Root)
	log.Info("agent starting",
		"version", version,
		logging.KeyDeviceID, info.DeviceID,
		"source", cfg.Source,
		"chunkSeconds", cfg.ChunkDurationSeconds,
		"vault", v.Root)

	sup.Start(info)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		fmt.Println("\nShutting down agent...")
		log.Info("signal received, stopping capture", "signal", sig.String())
		sup.Stop()
	case <-sup.Done():
	}

	log.Info("agent stopped", "sealed", sup.Sealed(), "health", string(sup.Health().Overall()))
	if err := sup.Err(); err != nil {
		if errors.Is(err, capture.ErrPermissionRevoked) {
			return fmt.Errorf("recording stopped: microphone permission revoked: %w", err)
		}
		return err
	}
	return nil
}
