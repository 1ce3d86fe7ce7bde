// Package state is the typed local cache of the integration: settings, the
// pending bank redirect, per-bank account lists and the last bank name.
//
// It sits on any store.Layer. With a durable layer underneath, a pending
// redirect survives a restart of the process between leaving for the bank
// and coming back.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bankconnect/pkg/logging"
	"bankconnect/pkg/store"

	"go.uber.org/zap"
)

// Storage keys.
const (
	SettingsKey = "settings"
	RedirectKey = "redirect"
	BankNameKey = "bank-name"
)

var accountListKeys = store.NewKeyPattern("loa", ":")

// AccountListKey returns the key holding the account list of bankID.
func AccountListKey(bankID string) (string, error) {
	return accountListKeys.BuildValid(bankID)
}

// Store is the typed cache. Missing values yield defaults or ok=false;
// only failures of the underlying layer are returned as errors.
type Store struct {
	layer  store.Layer
	logger *logging.Logger

	// mu serialises read-merge-write sequences.
	mu sync.Mutex
}

// New creates a Store over layer. A nil logger uses the global one.
func New(layer store.Layer, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.L()
	}
	return &Store{
		layer:  layer,
		logger: logger.Named("state"),
	}
}

// Settings returns the current settings, or DefaultSettings when none were saved.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings(ctx)
}

func (s *Store) settings(ctx context.Context) (Settings, error) {
	settings := DefaultSettings()
	found, err := s.load(ctx, SettingsKey, &settings)
	if err != nil {
		return Settings{}, err
	}
	if !found {
		return DefaultSettings(), nil
	}
	return settings, nil
}

// UpdateSettings merges patch into the current settings and returns the result.
func (s *Store) UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.settings(ctx)
	if err != nil {
		return Settings{}, err
	}
	if patch.IsEmpty() {
		return current, nil
	}

	updated := current.Apply(patch)
	if err := s.save(ctx, SettingsKey, updated, 0); err != nil {
		return Settings{}, err
	}

	s.logger.Debug("settings updated",
		zap.Bool("with_balance", updated.WithBalance),
		zap.Bool("cache_loa", updated.CacheLoa),
		zap.Bool("cache_lot", updated.CacheLot),
	)
	return updated, nil
}

// ClearSettings drops saved settings so the defaults apply again.
func (s *Store) ClearSettings(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(ctx, SettingsKey)
}

// Redirect returns the pending redirect, if any.
func (s *Store) Redirect(ctx context.Context) (RedirectDescriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d RedirectDescriptor
	found, err := s.load(ctx, RedirectKey, &d)
	if err != nil || !found {
		return RedirectDescriptor{}, false, err
	}
	return d, true, nil
}

// SetRedirect records d as the pending redirect, replacing any previous one.
// It stays until cleared, however long the user spends at the bank.
func (s *Store) SetRedirect(ctx context.Context, d RedirectDescriptor) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("state: invalid redirect kind %q", d.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(ctx, RedirectKey, d, 0); err != nil {
		return err
	}

	s.logger.Info("pending redirect stored",
		zap.String("kind", string(d.Kind)),
		zap.String("auth_id", d.AuthID),
		zap.Int("max_age", d.MaxAge),
	)
	return nil
}

// ClearRedirect removes the pending redirect.
func (s *Store) ClearRedirect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(ctx, RedirectKey)
}

// IsAfterRedirect reports whether a bank redirect is outstanding.
func (s *Store) IsAfterRedirect(ctx context.Context) (bool, error) {
	_, ok, err := s.Redirect(ctx)
	return ok, err
}

// AccountList returns the cached accounts of bankID.
func (s *Store) AccountList(ctx context.Context, bankID string) ([]AccountRef, bool, error) {
	key, err := AccountListKey(bankID)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []AccountRef
	found, err := s.load(ctx, key, &refs)
	if err != nil || !found {
		return nil, false, err
	}
	if refs == nil {
		refs = []AccountRef{}
	}
	return refs, true, nil
}

// SetAccountList caches the accounts of bankID. The entry never expires.
func (s *Store) SetAccountList(ctx context.Context, bankID string, refs []AccountRef) error {
	key, err := AccountListKey(bankID)
	if err != nil {
		return err
	}
	if refs == nil {
		refs = []AccountRef{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, key, refs, 0)
}

// ClearAccountList invalidates the cached accounts of bankID.
func (s *Store) ClearAccountList(ctx context.Context, bankID string) error {
	key, err := AccountListKey(bankID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(ctx, key)
}

// BankName returns the last resolved bank display name.
func (s *Store) BankName(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name string
	found, err := s.load(ctx, BankNameKey, &name)
	if err != nil || !found {
		return "", false, err
	}
	return name, true, nil
}

// SetBankName records the last resolved bank display name.
func (s *Store) SetBankName(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, BankNameKey, name, 0)
}

// load decodes the value at key into v. A missing key is (false, nil).
// A value that no longer decodes is logged and treated as missing.
func (s *Store) load(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.layer.Get(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: read %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("discarding undecodable value",
			zap.String("key", key),
			zap.Error(err),
		)
		return false, nil
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	if err := s.layer.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("state: write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	if err := s.layer.Delete(ctx, key); err != nil {
		return fmt.Errorf("state: delete %s: %w", key, err)
	}
	return nil
}
