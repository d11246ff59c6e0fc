package config

import (
	"context"
	"fmt"

	"arc-sentinel/internal/secrets"
)

// ResolveSecrets replaces secret references (env:, file:, vault:) in
// credential fields with their values. The Vault token may itself be an env:
// or file: reference. It is only resolved when Vault is enabled.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	r := secrets.NewResolver(c.Secrets)
	if c.Secrets.Vault.Enabled {
		if err := r.ResolveAll(ctx, &c.Secrets.Vault.Token, &c.Secrets.Vault.Address); err != nil {
			return fmt.Errorf("vault credentials: %w", err)
		}
		vp, err := secrets.NewVaultProvider(c.Secrets.Vault)
		if err != nil {
			return err
		}
		r = secrets.NewResolver(c.Secrets, vp)
	}

	if err := r.ResolveAll(ctx, c.secretFields()...); err != nil {
		return err
	}
	for i := range c.Notify.Webhooks {
		for k, v := range c.Notify.Webhooks[i].Headers {
			resolved, err := r.Resolve(ctx, v)
			if err != nil {
				return fmt.Errorf("webhook %s header %s: %w", c.Notify.Webhooks[i].Name, k, err)
			}
			c.Notify.Webhooks[i].Headers[k] = resolved
		}
	}
	return nil
}

// secretFields lists every string field that may hold a reference.
func (c *Config) secretFields() []*string {
	fields := []*string{
		&c.ClickHouse.Password,
		&c.Postgres.DSN,
		&c.Redis.Password,
		&c.Kafka.SASLPassword,
		&c.S3.AccessKeyID,
		&c.S3.SecretAccessKey,
		&c.S3.SessionToken,
		&c.Summarizer.APIKey,
		&c.Notify.Slack.WebhookURL,
	}
	for i := range c.Auth.APIKeys {
		fields = append(fields, &c.Auth.APIKeys[i])
	}
	for i := range c.Notify.Webhooks {
		fields = append(fields, &c.Notify.Webhooks[i].URL)
	}
	return fields
}
