package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// weakSecrets are values that must never reach production.
var weakSecrets = []string{
	"", "secret", "changeme", "change-me", "password", "admin",
	"dev-secret", "test", "default",
}

// minSecretLength is the floor for production secrets.
const minSecretLength = 16

// Validate checks structural validity and, outside dev mode, the
// production hardening rules: strict provenance on, no weak secrets,
// a real shared store, and complete mTLS material when required.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.PII.Mode == "tokenize" && cfg.PII.TokenSalt == "" {
		return fmt.Errorf("pii mode tokenize requires PII_TOKEN_SALT")
	}
	if cfg.OPA.MTLSRequired && (cfg.OPA.MTLSCertFile == "" || cfg.OPA.MTLSKeyFile == "") {
		return fmt.Errorf("mTLS required but MTLS_CERT_FILE / MTLS_KEY_FILE not set")
	}
	if cfg.Admin.AllowAPIKey && cfg.Admin.APIKeyHash == "" {
		return fmt.Errorf("ADMIN_ALLOW_API_KEY set but no ADMIN_API_KEY hash configured")
	}

	switch cfg.Broker.Kind {
	case "exchange", "sts":
		if cfg.Broker.IssueURL == "" || cfg.Broker.RevokeURL == "" {
			return fmt.Errorf("broker kind %q requires issue_url and revoke_url", cfg.Broker.Kind)
		}
	case "client_credentials":
		if cfg.Broker.ClientID == "" || cfg.Broker.ClientSecret == "" || cfg.Broker.TokenURL == "" {
			return fmt.Errorf("broker kind client_credentials requires client_id, client_secret, and token_url")
		}
	}

	if cfg.DevMode {
		return nil
	}
	return validateProduction(cfg)
}

func validateProduction(cfg *Config) error {
	if !cfg.StrictSecrets {
		return fmt.Errorf("production deployments must run with STRICT_SECRETS enabled")
	}
	if !cfg.Policy.RequireSigned {
		return fmt.Errorf("production deployments must run with POLICY_REQUIRE_SIGNED enabled")
	}
	if err := checkSecret("ADMIN_JWT_SECRET", cfg.Admin.JWTSecret); err != nil {
		return err
	}
	if err := checkSecret("POLICY_PACKAGE_SECRET", cfg.Policy.PackageSecret); err != nil {
		return err
	}
	if cfg.Signing.Key == "" && cfg.Signing.KeyFile == "" {
		return fmt.Errorf("SIGNING_KEY or SIGNING_KEY_FILE must be set")
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL must be set: the kill switch needs a store shared across replicas")
	}
	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET must be set when WEBHOOK_URL is configured")
	}
	return nil
}

func checkSecret(name, value string) error {
	lower := strings.ToLower(strings.TrimSpace(value))
	for _, weak := range weakSecrets {
		if lower == weak {
			return fmt.Errorf("%s is unset or a known weak value", name)
		}
	}
	if len(value) < minSecretLength {
		return fmt.Errorf("%s must be at least %d characters", name, minSecretLength)
	}
	return nil
}
