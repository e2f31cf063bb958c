package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// Tests run with BOTSTER_CONFIG_DIR set, which routes key storage to files
// instead of the OS keyring.

func TestCreateNewDevice(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BOTSTER_CONFIG_DIR", dir)

	dev, err := LoadOrCreateAt(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateAt failed: %v", err)
	}

	if dev.Identity == nil {
		t.Fatal("identity missing")
	}
	if dev.Fingerprint == "" {
		t.Error("fingerprint empty")
	}
	if dev.Name == "" {
		t.Error("name empty")
	}

	if _, err := os.Stat(filepath.Join(dir, "device.json")); err != nil {
		t.Errorf("device.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "device.identity_key")); err != nil {
		t.Errorf("identity key file missing: %v", err)
	}
}

func TestLoadExistingDevice(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BOTSTER_CONFIG_DIR", dir)

	created, err := LoadOrCreateAt(dir)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	loaded, err := LoadOrCreateAt(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if loaded.Fingerprint != created.Fingerprint {
		t.Error("fingerprint changed across loads")
	}
	if loaded.Identity.PublicKey != created.Identity.PublicKey {
		t.Error("public key changed across loads")
	}
}

func TestSetDeviceIDPersists(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BOTSTER_CONFIG_DIR", dir)

	dev, err := LoadOrCreateAt(dir)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := dev.SetDeviceID(77); err != nil {
		t.Fatalf("SetDeviceID failed: %v", err)
	}

	loaded, err := LoadOrCreateAt(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.DeviceID == nil || *loaded.DeviceID != 77 {
		t.Errorf("DeviceID = %v, want 77", loaded.DeviceID)
	}
}

func TestSecretNotInDeviceJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BOTSTER_CONFIG_DIR", dir)

	dev, err := LoadOrCreateAt(dir)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "device.json"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// The file carries only public material.
	secret, err := os.ReadFile(filepath.Join(dir, "device.identity_key"))
	if err != nil {
		t.Fatalf("key file read failed: %v", err)
	}
	if len(secret) == 0 {
		t.Fatal("key file empty")
	}
	if string(data) == "" || dev.Identity == nil {
		t.Fatal("device state incomplete")
	}
	if bytes.Contains(data, bytes.TrimSpace(secret)) {
		t.Error("private key leaked into device.json")
	}
}
