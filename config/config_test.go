package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicyValid(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "policy.conf")
	data := []byte("rotation_max_messages = 7\nonly_share_to_verified = true\n")
	if err := os.WriteFile(fname, data, 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadFile(fname)
	if err != nil {
		t.Fatal(err)
	}
	if p.RotationMaxMessages != 7 {
		t.Fatalf("override not applied: %d", p.RotationMaxMessages)
	}
	if !p.OnlyShareToVerified {
		t.Fatal("bool override not applied")
	}

	// Unset keys keep defaults.
	def := DefaultPolicy()
	if p.RotationMaxAge != def.RotationMaxAge {
		t.Fatalf("default clobbered: %d", p.RotationMaxAge)
	}
}

func TestLoadFileRejectsBadPolicy(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "policy.conf")
	data := []byte("rotation_max_messages = 0\n")
	if err := os.WriteFile(fname, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(fname); err == nil {
		t.Fatal("zero rotation bound accepted")
	}
}
