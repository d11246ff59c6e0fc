package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// EnvProvider reads environment variables. An unset or empty variable is not
// found.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// FileProvider reads a whole file as the secret. Trailing newlines are
// trimmed, as mounted secrets usually end with one.
type FileProvider struct{}

func (FileProvider) Scheme() string { return "file" }

func (FileProvider) Get(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	v := strings.TrimRight(string(data), "\r\n")
	if v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}
