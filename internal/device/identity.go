package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// IdentityFile is the name of the device-identity document under the data dir.
const IdentityFile = "identity.yaml"

// ErrInvalidIdentity reports a stored device id that is not a UUID.
var ErrInvalidIdentity = errors.New("device: stored identity is not a valid UUID")

type identityDoc struct {
	DeviceID string `yaml:"device_id"`
}

// IdentityStore persists the stable device UUID. The id is created lazily
// on first use and never rewritten.
type IdentityStore struct {
	path string

	mu       sync.Mutex
	deviceID string
}

// NewIdentityStore returns a store backed by {dataDir}/identity.yaml.
func NewIdentityStore(dataDir string) *IdentityStore {
	return &IdentityStore{path: filepath.Join(dataDir, IdentityFile)}
}

// Path returns the backing file path.
func (s *IdentityStore) Path() string { return s.path }

// GetOrCreate returns the persisted device id, creating and saving a new
// random UUID when none exists yet.
func (s *IdentityStore) GetOrCreate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID != "" {
		return s.deviceID, nil
	}

	id, err := s.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
		if err := s.write(id); err != nil {
			return "", err
		}
	}

	s.deviceID = id
	return id, nil
}

func (s *IdentityStore) read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	var doc identityDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.DeviceID == "" {
		return "", nil
	}
	if _, err := uuid.Parse(doc.DeviceID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, doc.DeviceID)
	}
	return doc.DeviceID, nil
}

func (s *IdentityStore) write(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := yaml.Marshal(identityDoc{DeviceID: id})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}
