// Package device manages device identity for end-to-end encryption.
//
// This package handles:
// - X25519 identity keypair generation and persistence
// - Fingerprint generation for visual verification
// - Server-assigned device id bookkeeping
//
// The private scalar lives in the OS keyring; only public material is kept
// in device.json. Test environments fall back to file storage.
package device

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/trybotster/botster-hub/internal/config"
	"github.com/trybotster/botster-hub/internal/secure"
)

// Keyring configuration.
const (
	KeyringService        = "botster"
	KeyringIdentitySuffix = "identity"
)

// StoredDevice represents the device identity stored in device.json.
// Secret keys are stored in the OS keyring, not in this file.
type StoredDevice struct {
	// Base64-encoded X25519 public key.
	PublicKey string `json:"public_key"`
	// Human-readable fingerprint for visual verification.
	Fingerprint string `json:"fingerprint"`
	// Device name (e.g., "Botster Hub").
	Name string `json:"name"`
	// Server-assigned device ID (set after registration).
	DeviceID *int64 `json:"device_id,omitempty"`
}

// Device represents the runtime device identity with parsed keys.
type Device struct {
	// Identity is the X25519 keypair used by the envelope cipher.
	Identity *secure.Identity
	// Fingerprint is the human-readable digest for verification.
	Fingerprint string
	// Name is the device name.
	Name string
	// DeviceID is the server-assigned id after registration.
	DeviceID *int64

	configPath string
	mu         sync.RWMutex
}

// shouldSkipKeyring checks if keyring should be skipped (for testing).
func shouldSkipKeyring() bool {
	if v := os.Getenv("BOTSTER_SKIP_KEYRING"); v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	// Auto-detect test mode: tests set BOTSTER_CONFIG_DIR.
	_, hasConfigDir := os.LookupEnv("BOTSTER_CONFIG_DIR")
	return hasConfigDir
}

// LoadOrCreate loads the existing device or creates a new one under
// ~/.botster/device/.
func LoadOrCreate() (*Device, error) {
	dir, err := config.DeviceDir()
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(dir)
}

// LoadOrCreateAt loads or creates a device in the given directory.
func LoadOrCreateAt(dir string) (*Device, error) {
	path := filepath.Join(dir, "device.json")
	if _, err := os.Stat(path); err == nil {
		return loadFromFile(path)
	}
	return createNew(path)
}

// identityKeyFilePath returns the path for file-based key storage.
func identityKeyFilePath(configPath string) string {
	return strings.TrimSuffix(configPath, ".json") + ".identity_key"
}

// storeIdentityKey stores the private scalar (keyring or file).
func storeIdentityKey(configPath, fingerprint string, priv [32]byte) error {
	secretB64 := base64.StdEncoding.EncodeToString(priv[:])

	if shouldSkipKeyring() {
		keyPath := identityKeyFilePath(configPath)
		if err := os.WriteFile(keyPath, []byte(secretB64), 0o600); err != nil {
			return fmt.Errorf("failed to write identity key file: %w", err)
		}
		return nil
	}

	entryName := fmt.Sprintf("%s-%s", fingerprint, KeyringIdentitySuffix)
	if err := keyring.Set(KeyringService, entryName, secretB64); err != nil {
		return fmt.Errorf("failed to store in keyring: %w", err)
	}
	return nil
}

// loadIdentityKey loads the private scalar (keyring or file).
func loadIdentityKey(configPath, fingerprint string) ([32]byte, error) {
	var priv [32]byte
	var secretB64 string

	if shouldSkipKeyring() {
		data, err := os.ReadFile(identityKeyFilePath(configPath))
		if err != nil {
			return priv, fmt.Errorf("identity key file not found (test mode): %w", err)
		}
		secretB64 = strings.TrimSpace(string(data))
	} else {
		entryName := fmt.Sprintf("%s-%s", fingerprint, KeyringIdentitySuffix)
		var err error
		secretB64, err = keyring.Get(KeyringService, entryName)
		if err != nil {
			return priv, fmt.Errorf("identity key not found in keyring: %w", err)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return priv, fmt.Errorf("invalid identity key encoding: %w", err)
	}
	if len(raw) != 32 {
		return priv, fmt.Errorf("invalid identity key length: got %d, want 32", len(raw))
	}
	copy(priv[:], raw)
	return priv, nil
}

// loadFromFile loads a device from its config file.
func loadFromFile(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device config: %w", err)
	}

	var stored StoredDevice
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse device config: %w", err)
	}

	priv, err := loadIdentityKey(path, stored.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("identity key missing, device may need recreation: %w", err)
	}

	identity, err := secure.IdentityFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	return &Device{
		Identity:    identity,
		Fingerprint: stored.Fingerprint,
		Name:        stored.Name,
		DeviceID:    stored.DeviceID,
		configPath:  path,
	}, nil
}

// createNew creates a new device with a fresh keypair.
func createNew(path string) (*Device, error) {
	identity, err := secure.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}

	fingerprint := identity.Fingerprint()
	name := defaultName()

	if err := storeIdentityKey(path, fingerprint, identity.PrivateKey); err != nil {
		return nil, err
	}

	d := &Device{
		Identity:    identity,
		Fingerprint: fingerprint,
		Name:        name,
		configPath:  path,
	}
	if err := d.save(); err != nil {
		return nil, err
	}
	return d, nil
}

// defaultName derives a device name from the hostname.
func defaultName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "Botster Hub (" + host + ")"
	}
	return "Botster Hub"
}

// SetDeviceID records the server-assigned id and persists it.
func (d *Device) SetDeviceID(id int64) error {
	d.mu.Lock()
	d.DeviceID = &id
	d.mu.Unlock()
	return d.save()
}

// save writes device.json atomically (write-temp-then-rename).
func (d *Device) save() error {
	d.mu.RLock()
	stored := StoredDevice{
		PublicKey:   d.Identity.PublicKeyBase64(),
		Fingerprint: d.Fingerprint,
		Name:        d.Name,
		DeviceID:    d.DeviceID,
	}
	path := d.configPath
	d.mu.RUnlock()

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize device: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write device config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit device config: %w", err)
	}
	return nil
}
