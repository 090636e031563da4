// Package vault stores per-user venue credentials in a file outside the bot
// database. Credential plaintext never enters bot records or logs; every
// change lands in the append-only key audit.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"

	"gopkg.in/yaml.v3"
)

type credentialEntry struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
}

type vaultFile struct {
	Users map[string]credentialEntry `yaml:"users"`
}

// FileVault implements core.ISecretVault over a YAML credentials file.
type FileVault struct {
	path   string
	store  core.IBotStore
	logger core.ILogger

	mu      sync.RWMutex
	entries map[string]credentialEntry
}

// NewFileVault loads the vault file. A missing file yields an empty vault;
// credentials can be added at runtime.
func NewFileVault(path string, store core.IBotStore, logger core.ILogger) (*FileVault, error) {
	v := &FileVault{
		path:    path,
		store:   store,
		logger:  logger.WithField("component", "vault"),
		entries: make(map[string]credentialEntry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}

	var vf vaultFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("failed to parse vault file: %w", err)
	}
	if vf.Users != nil {
		v.entries = vf.Users
	}
	return v, nil
}

// Credentials returns the user's venue keys.
func (v *FileVault) Credentials(_ context.Context, userID string) (*core.Credentials, error) {
	v.mu.RLock()
	entry, ok := v.entries[userID]
	v.mu.RUnlock()

	if !ok || entry.APIKey == "" || entry.SecretKey == "" {
		return nil, apperrors.ErrCredentialsMissing
	}
	return &core.Credentials{
		APIKey:    entry.APIKey,
		SecretKey: entry.SecretKey,
	}, nil
}

// SetCredentials adds or replaces a user's keys and records the change in
// the key audit.
func (v *FileVault) SetCredentials(ctx context.Context, userID string, creds *core.Credentials, remoteAddr string) error {
	if creds == nil || creds.APIKey == "" || creds.SecretKey == "" {
		return fmt.Errorf("%w: api key and secret key are required", apperrors.ErrValidation)
	}

	v.mu.Lock()
	_, existed := v.entries[userID]
	v.entries[userID] = credentialEntry{APIKey: creds.APIKey, SecretKey: creds.SecretKey}
	err := v.persistLocked()
	v.mu.Unlock()

	action := "added"
	if existed {
		action = "updated"
	}
	outcome := "ok"
	if err != nil {
		outcome = "persist_failed"
	}
	v.audit(ctx, userID, action, remoteAddr, outcome)
	return err
}

// RemoveCredentials deletes a user's keys and records the removal.
func (v *FileVault) RemoveCredentials(ctx context.Context, userID, remoteAddr string) error {
	v.mu.Lock()
	_, existed := v.entries[userID]
	delete(v.entries, userID)
	err := v.persistLocked()
	v.mu.Unlock()

	if !existed {
		return apperrors.ErrCredentialsMissing
	}
	outcome := "ok"
	if err != nil {
		outcome = "persist_failed"
	}
	v.audit(ctx, userID, "removed", remoteAddr, outcome)
	return err
}

func (v *FileVault) persistLocked() error {
	data, err := yaml.Marshal(vaultFile{Users: v.entries})
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write vault file: %w", err)
	}
	return os.Rename(tmp, v.path)
}

func (v *FileVault) audit(ctx context.Context, userID, action, remoteAddr, outcome string) {
	if v.store == nil {
		return
	}
	ev := &core.KeyAuditEvent{
		UserID:     userID,
		Action:     action,
		RemoteAddr: remoteAddr,
		Outcome:    outcome,
		At:         time.Now(),
	}
	if err := v.store.AppendKeyAudit(ctx, ev); err != nil {
		v.logger.Error("Failed to append key audit event", "user_id", userID, "error", err)
	}
}
