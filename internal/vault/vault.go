// Package vault persists sealed pairs: a WAV file under data/ and its
// checksum-bearing metadata under metadata/, both named by the same stem.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/terminus/agent/internal/logging"
)

var log = logging.L("vault")

const (
	DataDirName     = "data"
	MetadataDirName = "metadata"

	AudioExt    = ".wav"
	MetadataExt = ".meta.json"

	stemLayout = "2006.01.02_15.04.05"
	dateLayout = "2006/Jan/02"
	timeLayout = "15:04:05.000"
)

var (
	// ErrIO reports a vault directory, copy or metadata write failure.
	ErrIO = errors.New("vault: i/o failure")
	// ErrChecksum reports that the persisted audio could not be digested.
	ErrChecksum = errors.New("vault: checksum failure")
)

// Vault is the fixed directory tree holding sealed pairs.
type Vault struct {
	Root string
}

// New returns a vault rooted at root.
func New(root string) *Vault {
	return &Vault{Root: filepath.Clean(root)}
}

func (v *Vault) DataDir() string     { return filepath.Join(v.Root, DataDirName) }
func (v *Vault) MetadataDir() string { return filepath.Join(v.Root, MetadataDirName) }

// AudioPath returns the data/ path for stem.
func (v *Vault) AudioPath(stem string) string {
	return filepath.Join(v.DataDir(), stem+AudioExt)
}

// MetadataPath returns the metadata/ path for stem.
func (v *Vault) MetadataPath(stem string) string {
	return filepath.Join(v.MetadataDir(), stem+MetadataExt)
}

// EnsureLayout creates data/ and metadata/ if missing.
func (v *Vault) EnsureLayout() error {
	for _, dir := range []string{v.DataDir(), v.MetadataDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrIO, dir, err)
		}
	}
	return nil
}

// Stem names a pair from the UTC capture start and the device id.
func Stem(start time.Time, deviceID string) string {
	return start.UTC().Format(stemLayout) + "_" + deviceID
}

// ParseStem splits a stem back into its UTC start and device id.
func ParseStem(stem string) (time.Time, string, error) {
	if len(stem) < len(stemLayout)+2 || stem[len(stemLayout)] != '_' {
		return time.Time{}, "", fmt.Errorf("vault: malformed stem %q", stem)
	}
	start, err := time.ParseInLocation(stemLayout, stem[:len(stemLayout)], time.UTC)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("vault: malformed stem %q: %w", stem, err)
	}
	return start, stem[len(stemLayout)+1:], nil
}

// ValidStem rejects stems that could escape the vault directories.
func ValidStem(stem string) error {
	if stem == "" || stem == "." || stem == ".." || strings.ContainsAny(stem, `/\`) || strings.Contains(stem, "..") {
		return fmt.Errorf("vault: invalid stem %q", stem)
	}
	return nil
}

func formatDate(t time.Time) string { return t.UTC().Format(dateLayout) }
func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }
