package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Metadata is the .meta.json half of a sealed pair. Field order is part of
// the on-disk format.
type Metadata struct {
	DateUTC               string  `json:"date_utc"`
	RecordingStartTimeUTC string  `json:"recording_start_time_utc"`
	RecordingEndTimeUTC   string  `json:"recording_end_time_utc"`
	FileSizeBytes         int64   `json:"file_size_bytes"`
	SaveTimestampUTC      string  `json:"save_timestamp_utc"`
	BatteryPercentage     int     `json:"battery_percentage"`
	OSVersion             string  `json:"os_version"`
	DeviceID              string  `json:"device_id"`
	DeviceName            *string `json:"device_name"`
	AudioFileSHA256       string  `json:"audio_file_sha256"`
}

// SaveTime parses SaveTimestampUTC back into an instant.
func (m *Metadata) SaveTime() (time.Time, error) {
	ms, err := strconv.ParseInt(m.SaveTimestampUTC, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse save timestamp %q: %w", m.SaveTimestampUTC, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func epochMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ReadMetadata loads a metadata file.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}

// writeMetadata writes m to path through a synced temp file and rename, so
// a reader never observes a partially written record.
func writeMetadata(path string, m *Metadata) (err error) {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("chmod metadata: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}
