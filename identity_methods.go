package noctua

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noctua-im/noctua/identity"
	"github.com/noctua-im/noctua/store"
)

// IdentitySnapshot is the public shape returned by GetIdentity, trimming
// store.IdentityRecord down to the fields safe to hand to a UI (no raw
// key material).
type IdentitySnapshot struct {
	Fingerprint string `json:"fingerprint"`
	DisplayName string `json:"display_name"`
	Algorithm   string `json:"algorithm"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetIdentity returns the local identity's public snapshot, or
// ErrNoIdentity before one has been generated.
func (f *Facade) GetIdentity() (IdentitySnapshot, error) {
	id, err := f.identity()
	if err != nil {
		return IdentitySnapshot{}, err
	}
	rec, err := f.st.GetIdentity()
	if err != nil {
		return IdentitySnapshot{}, fmt.Errorf("loading identity record: %w", err)
	}
	return IdentitySnapshot{
		Fingerprint: id.Fingerprint(),
		DisplayName: rec.DisplayName,
		Algorithm:   identity.Algorithm(rec.Algorithm).String(),
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// GenerateIdentity creates a fresh Ed25519 identity, persists it, and
// wires every identity-dependent subsystem. Fails if an identity already
// exists: the daemon supports exactly one local identity per dataDir.
func (f *Facade) GenerateIdentity(name string) (IdentitySnapshot, error) {
	f.mu.RLock()
	already := f.self != nil
	f.mu.RUnlock()
	if already {
		return IdentitySnapshot{}, fmt.Errorf("noctua: identity already exists")
	}

	id, err := identity.New(identity.Ed25519)
	if err != nil {
		return IdentitySnapshot{}, fmt.Errorf("generating identity: %w", err)
	}
	if err := f.persistAndWire(id, name); err != nil {
		return IdentitySnapshot{}, err
	}
	return f.GetIdentity()
}

// ImportBackup restores an identity from a password-protected backup
// envelope (as produced by ExportBackup) and wires it, the same
// one-identity-per-dataDir rule GenerateIdentity enforces.
func (f *Facade) ImportBackup(envelope string, password string) (IdentitySnapshot, error) {
	f.mu.RLock()
	already := f.self != nil
	f.mu.RUnlock()
	if already {
		return IdentitySnapshot{}, fmt.Errorf("noctua: identity already exists")
	}

	var backup identity.Backup
	if err := json.Unmarshal([]byte(envelope), &backup); err != nil {
		return IdentitySnapshot{}, fmt.Errorf("decoding backup envelope: %w", err)
	}
	id, err := identity.ImportBackup(&backup, []byte(password))
	if err != nil {
		if errors.Is(err, identity.ErrBackupDenied) {
			return IdentitySnapshot{}, err
		}
		return IdentitySnapshot{}, fmt.Errorf("importing backup: %w", err)
	}
	if err := f.persistAndWire(id, ""); err != nil {
		return IdentitySnapshot{}, err
	}
	return f.GetIdentity()
}

func (f *Facade) persistAndWire(id *identity.Identity, displayName string) error {
	rec := id.ToRecord()
	if err := f.st.SaveIdentity(store.IdentityRecord{
		Algorithm:   int(rec.Algorithm),
		PrivateKey:  rec.PrivateKey,
		PublicKey:   rec.PublicKey,
		KAPrivate:   rec.KAPrivate,
		KAPublic:    rec.KAPublic,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}
	return f.wireIdentity(id)
}

// ExportBackup encrypts the local identity under password and returns
// the serialised envelope spec §6 expects as an opaque string.
func (f *Facade) ExportBackup(password string) (string, error) {
	id, err := f.identity()
	if err != nil {
		return "", err
	}
	backup, err := id.ExportBackup([]byte(password))
	if err != nil {
		return "", fmt.Errorf("exporting backup: %w", err)
	}
	data, err := json.Marshal(backup)
	if err != nil {
		return "", fmt.Errorf("encoding backup envelope: %w", err)
	}
	return string(data), nil
}

// UpdateDisplayName changes the local user's display name.
func (f *Facade) UpdateDisplayName(name string) error {
	if _, err := f.identity(); err != nil {
		return err
	}
	return f.st.UpdateDisplayName(name)
}
