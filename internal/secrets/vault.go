package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultConfig configures the Vault provider.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	// Mount is the KV v2 mount point.
	Mount   string        `yaml:"mount"`
	Timeout time.Duration `yaml:"timeout"`
}

// VaultProvider reads KV v2 secrets over the Vault HTTP API. Keys have the
// form "path#field"; without a field, "value" is used.
type VaultProvider struct {
	address string
	token   string
	mount   string
	client  *http.Client
}

// NewVaultProvider creates a VaultProvider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("vault token is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &VaultProvider{
		address: strings.TrimSuffix(cfg.Address, "/"),
		token:   cfg.Token,
		mount:   strings.Trim(cfg.Mount, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (v *VaultProvider) Scheme() string { return "vault" }

type kvReadResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}

// Get reads one field of a secret.
func (v *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	path, field, _ := strings.Cut(key, "#")
	if field == "" {
		field = "value"
	}
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.address, v.mount, strings.TrimPrefix(path, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrSecretNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out kvReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode vault response: %w", err)
	}
	s, ok := out.Data.Data[field].(string)
	if !ok || s == "" {
		return "", ErrSecretNotFound
	}
	return s, nil
}
