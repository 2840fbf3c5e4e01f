package vault

import (
	"fmt"
	"os"
	"time"

	"github.com/terminus/agent/internal/checksum"
	"github.com/terminus/agent/internal/device"
	"github.com/terminus/agent/internal/logging"
)

// SealedPair describes a persisted audio file and its metadata.
type SealedPair struct {
	Stem         string
	AudioPath    string
	MetadataPath string
	Metadata     Metadata
}

// Sealer turns a finished chunk into a sealed pair.
type Sealer struct {
	Vault   *Vault
	Battery device.BatteryReader
	// Now stamps save_timestamp_utc. Defaults to time.Now.
	Now func() time.Time

	digest func(path string) (string, error)
}

// NewSealer returns a sealer writing into v.
func NewSealer(v *Vault, battery device.BatteryReader) *Sealer {
	if battery == nil {
		battery = device.FixedBattery(device.NoBattery)
	}
	return &Sealer{Vault: v, Battery: battery, Now: time.Now, digest: checksum.File}
}

// Seal copies chunkPath into data/, digests the copy and writes the
// metadata record. The chunk file itself is left for the caller to remove.
//
// A copy or digest failure returns no pair. A metadata failure returns the
// pair with Metadata populated but MetadataPath unwritten, together with
// the error; the audio copy stays in the vault either way.
func (s *Sealer) Seal(chunkPath string, start, end time.Time, info device.Info) (*SealedPair, error) {
	if err := ValidStem(info.DeviceID); err != nil {
		return nil, fmt.Errorf("%w: device id: %v", ErrIO, err)
	}
	if err := s.Vault.EnsureLayout(); err != nil {
		return nil, err
	}

	stem := Stem(start, info.DeviceID)
	pair := &SealedPair{
		Stem:         stem,
		AudioPath:    s.Vault.AudioPath(stem),
		MetadataPath: s.Vault.MetadataPath(stem),
	}
	plog := log.With(logging.KeyStem, stem)

	if err := copyFile(chunkPath, pair.AudioPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	digest := s.digest
	if digest == nil {
		digest = checksum.File
	}
	sum, err := digest(pair.AudioPath)
	if err != nil {
		plog.Error("digest of sealed audio failed, audio retained", logging.KeyError, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrChecksum, err)
	}

	st, err := os.Stat(pair.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat sealed audio: %v", ErrIO, err)
	}

	battery := device.NoBattery
	if s.Battery != nil {
		battery = s.Battery.Percentage()
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	pair.Metadata = Metadata{
		DateUTC:               formatDate(start),
		RecordingStartTimeUTC: formatTime(start),
		RecordingEndTimeUTC:   formatTime(end),
		FileSizeBytes:         st.Size(),
		SaveTimestampUTC:      epochMillis(now()),
		BatteryPercentage:     battery,
		OSVersion:             info.OSVersion,
		DeviceID:              info.DeviceID,
		DeviceName:            info.DeviceName,
		AudioFileSHA256:       sum,
	}

	if err := writeMetadata(pair.MetadataPath, &pair.Metadata); err != nil {
		plog.Error("metadata write failed, audio retained", logging.KeyError, err.Error())
		return pair, fmt.Errorf("%w: %v", ErrIO, err)
	}

	plog.Info("chunk sealed", "sizeBytes", st.Size(), "sha256", sum)
	return pair, nil
}
