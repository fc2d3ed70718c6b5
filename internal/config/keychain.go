package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Keychain reads and writes secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 JSON file elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local API. DOCQA_API_TOKEN
// wins; otherwise the token is read from the secret store and generated on
// first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("DOCQA_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(secretsService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := kc.Set(secretsService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}

	// Read back so concurrent first starts agree on one token.
	stored, err := kc.Get(secretsService, "api_token")
	if err != nil {
		return "", fmt.Errorf("reading api token: %w", err)
	}
	if stored == "" {
		return "", errors.New("api token not persisted")
	}
	return stored, nil
}
