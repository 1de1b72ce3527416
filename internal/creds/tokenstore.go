package creds

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// serviceName is the identifier this module registers under in the host's
// system keyring.
const serviceName = "vpncore"

// ErrNoStoredToken is returned by TokenStore.Load when no token has been
// stored yet for the given profile, distinct from a keyring access error.
var ErrNoStoredToken = errors.New("creds: no stored session token")

// TokenStore persists a server-issued session token in the host OS keychain
// so a reconnect on the same machine doesn't have to re-prompt for
// credentials. A nil *TokenStore is valid and treats every operation as a
// no-op miss, for hosts that run headless or disable persistence.
type TokenStore struct {
	profileID string
}

// NewTokenStore returns a store scoped to profileID, the identifier the host
// uses to distinguish between configured connection profiles.
func NewTokenStore(profileID string) *TokenStore {
	return &TokenStore{profileID: profileID}
}

// Save writes token to the system keyring, overwriting any previous value.
func (s *TokenStore) Save(token string) error {
	if s == nil {
		return nil
	}
	return keyring.Set(serviceName, s.profileID, token)
}

// Load returns the stored token, or ErrNoStoredToken if none is present.
func (s *TokenStore) Load() (string, error) {
	if s == nil {
		return "", ErrNoStoredToken
	}
	token, err := keyring.Get(serviceName, s.profileID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNoStoredToken
		}
		return "", err
	}
	return token, nil
}

// Clear removes the stored token, if any. Clearing a token that was never
// stored is not an error.
func (s *TokenStore) Clear() error {
	if s == nil {
		return nil
	}
	if err := keyring.Delete(serviceName, s.profileID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// LoadInto loads the stored token for profileID, if any, and installs it on
// creds via SetSessionToken. It reports whether a token was found.
func LoadInto(creds *Credentials, profileID string) bool {
	token, err := NewTokenStore(profileID).Load()
	if err != nil {
		return false
	}
	creds.SetSessionToken(token)
	return true
}
