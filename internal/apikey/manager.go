// Package apikey issues and validates the Bearer keys that identify
// otterflow users. A key is bound to exactly one user id; wallets, bandit
// statistics and usage are all keyed by that id.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/otterflow/otterflow/internal/store"
)

const (
	KeyPrefix    = "otf_"
	keyRandBytes = 32
	lookupLen    = len(KeyPrefix) + 8
	bcryptCost   = 10
	cacheTTL     = 5 * time.Minute
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrExpiredKey = errors.New("api key expired")
	ErrNotFound   = errors.New("api key not found")
)

// Store is the slice of store.Store the manager needs.
type Store interface {
	CreateAPIKey(ctx context.Context, key store.APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*store.APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]store.APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key store.APIKeyRecord) error
}

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's 72-byte limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

type cachedKey struct {
	record    store.APIKeyRecord
	expiresAt time.Time
}

type Manager struct {
	store Store
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedKey // plaintext -> record
}

func NewManager(s Store) *Manager {
	return &Manager{
		store: s,
		now:   time.Now,
		cache: make(map[string]cachedKey),
	}
}

func newPlaintext() (string, error) {
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(raw), nil
}

// Issue creates a key for userID and returns the plaintext exactly once.
func (m *Manager) Issue(ctx context.Context, userID, name string, expiresAt *time.Time) (string, store.APIKeyRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return "", store.APIKeyRecord{}, errors.New("user id is required")
	}
	plaintext, err := newPlaintext()
	if err != nil {
		return "", store.APIKeyRecord{}, err
	}
	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", store.APIKeyRecord{}, fmt.Errorf("bcrypt hash: %w", err)
	}

	rec := store.APIKeyRecord{
		ID:        uuid.NewString(),
		KeyHash:   string(hash),
		KeyPrefix: plaintext[:lookupLen],
		UserID:    userID,
		Name:      name,
		CreatedAt: m.now().UTC(),
		ExpiresAt: expiresAt,
		Enabled:   true,
	}
	if err := m.store.CreateAPIKey(ctx, rec); err != nil {
		return "", store.APIKeyRecord{}, fmt.Errorf("store api key: %w", err)
	}
	slog.Info("apikey: issued", slog.String("api_key_id", rec.ID), slog.String("user_id", userID))
	return plaintext, rec, nil
}

// Validate resolves a plaintext key to its record. Results are cached for
// a few minutes so bcrypt does not run on every request.
func (m *Manager) Validate(ctx context.Context, plaintext string) (store.APIKeyRecord, error) {
	if !strings.HasPrefix(plaintext, KeyPrefix) || len(plaintext) < lookupLen {
		return store.APIKeyRecord{}, ErrInvalidKey
	}

	m.mu.RLock()
	cached, ok := m.cache[plaintext]
	m.mu.RUnlock()
	if ok && m.now().Before(cached.expiresAt) {
		return cached.record, nil
	}

	keys, err := m.store.ListAPIKeys(ctx)
	if err != nil {
		return store.APIKeyRecord{}, fmt.Errorf("list keys: %w", err)
	}
	prefix := plaintext[:lookupLen]
	for _, k := range keys {
		if !k.Enabled || k.KeyPrefix != prefix {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), hashForBcrypt(plaintext)) != nil {
			continue
		}
		if k.ExpiresAt != nil && m.now().After(*k.ExpiresAt) {
			return store.APIKeyRecord{}, ErrExpiredKey
		}

		now := m.now().UTC()
		k.LastUsedAt = &now
		if err := m.store.UpdateAPIKey(ctx, k); err != nil {
			slog.Warn("apikey: last_used update failed", slog.String("api_key_id", k.ID), slog.String("error", err.Error()))
		}

		m.mu.Lock()
		m.cache[plaintext] = cachedKey{record: k, expiresAt: m.now().Add(cacheTTL)}
		m.mu.Unlock()
		return k, nil
	}
	return store.APIKeyRecord{}, ErrInvalidKey
}

// Revoke disables a key. Cached validations of it are dropped.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	rec, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return fmt.Errorf("get key: %w", err)
	}
	if rec == nil {
		return ErrNotFound
	}
	rec.Enabled = false
	if err := m.store.UpdateAPIKey(ctx, *rec); err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	m.forget(id)
	return nil
}

// Rotate replaces the secret of an existing key and returns the new
// plaintext exactly once.
func (m *Manager) Rotate(ctx context.Context, id string) (string, error) {
	rec, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get key: %w", err)
	}
	if rec == nil {
		return "", ErrNotFound
	}

	plaintext, err := newPlaintext()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	rec.KeyHash = string(hash)
	rec.KeyPrefix = plaintext[:lookupLen]
	if err := m.store.UpdateAPIKey(ctx, *rec); err != nil {
		return "", fmt.Errorf("update key: %w", err)
	}
	m.forget(id)
	return plaintext, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
}
