package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var knownSources = map[string]bool{
	"ffmpeg":    true,
	"arecord":   true,
	"synthetic": true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Values that would break chunk arithmetic or supervisor timing are clamped
// to safe defaults. Other validation errors are logged as warnings but do
// not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.ChunkDurationSeconds < 1 {
		errs = append(errs, fmt.Errorf("chunk_duration_seconds %d is below minimum 1, clamping", c.ChunkDurationSeconds))
		c.ChunkDurationSeconds = 1
	} else if c.ChunkDurationSeconds > 3600 {
		errs = append(errs, fmt.Errorf("chunk_duration_seconds %d exceeds maximum 3600, clamping", c.ChunkDurationSeconds))
		c.ChunkDurationSeconds = 3600
	}

	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("sample_rate %d is outside 8000..192000, using 44100", c.SampleRate))
		c.SampleRate = 44100
	}

	if c.StopTimeoutMs < 100 {
		errs = append(errs, fmt.Errorf("stop_timeout_ms %d is below minimum 100, clamping", c.StopTimeoutMs))
		c.StopTimeoutMs = 100
	} else if c.StopTimeoutMs > 30000 {
		errs = append(errs, fmt.Errorf("stop_timeout_ms %d exceeds maximum 30000, clamping", c.StopTimeoutMs))
		c.StopTimeoutMs = 30000
	}

	if c.VerifyWorkers < 1 {
		errs = append(errs, fmt.Errorf("verify_workers %d is below minimum 1, clamping", c.VerifyWorkers))
		c.VerifyWorkers = 1
	} else if c.VerifyWorkers > 64 {
		errs = append(errs, fmt.Errorf("verify_workers %d exceeds maximum 64, clamping", c.VerifyWorkers))
		c.VerifyWorkers = 64
	}

	if !knownSources[strings.ToLower(c.Source)] {
		errs = append(errs, fmt.Errorf("unknown source %q (use ffmpeg, arecord or synthetic)", c.Source))
	}

	if c.VaultDir == "" {
		errs = append(errs, fmt.Errorf("vault_dir is empty, using data_dir %q", c.DataDir))
		c.VaultDir = c.DataDir
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
