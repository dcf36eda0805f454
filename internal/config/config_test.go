package config

import (
	"strings"
	"testing"
)

func devConfig() *Config {
	cfg := &Config{
		TraceDB: "trace.db",
		Policy:  PolicyConfig{Path: "./policies"},
		DevMode: true,
	}
	cfg.SetDefaults()
	return cfg
}

func prodConfig() *Config {
	cfg := &Config{
		TraceDB:       "postgres://gate:pw@db/agentgate",
		Policy:        PolicyConfig{Path: "/etc/agentgate/policies", RequireSigned: true, PackageSecret: "a-long-package-secret-value"},
		Redis:         RedisConfig{URL: "redis://redis:6379/0"},
		Admin:         AdminConfig{JWTSecret: "a-long-admin-jwt-secret-value"},
		Signing:       SigningConfig{Key: "a-long-signing-key-material"},
		StrictSecrets: true,
	}
	cfg.SetDefaults()
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := devConfig()
	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("http addr = %s", cfg.Server.HTTPAddr)
	}
	if cfg.Quarantine.Threshold != 0.8 || cfg.Quarantine.WindowSize != 20 {
		t.Errorf("quarantine defaults = %+v", cfg.Quarantine)
	}
	if len(cfg.Anchor.Schemes) != 1 || cfg.Anchor.Schemes[0] != "https" {
		t.Errorf("anchor schemes = %v", cfg.Anchor.Schemes)
	}
	if cfg.Broker.Kind != "inert" {
		t.Errorf("broker kind = %s", cfg.Broker.Kind)
	}
}

func TestDevModeValidates(t *testing.T) {
	if err := Validate(devConfig()); err != nil {
		t.Fatalf("dev config rejected: %v", err)
	}
}

func TestProductionValidates(t *testing.T) {
	if err := Validate(prodConfig()); err != nil {
		t.Fatalf("production config rejected: %v", err)
	}
}

func TestProductionRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"strict secrets off", func(c *Config) { c.StrictSecrets = false }, "STRICT_SECRETS"},
		{"unsigned policy", func(c *Config) { c.Policy.RequireSigned = false }, "POLICY_REQUIRE_SIGNED"},
		{"weak jwt secret", func(c *Config) { c.Admin.JWTSecret = "changeme" }, "ADMIN_JWT_SECRET"},
		{"short jwt secret", func(c *Config) { c.Admin.JWTSecret = "short" }, "ADMIN_JWT_SECRET"},
		{"no signing key", func(c *Config) { c.Signing.Key = "" }, "SIGNING_KEY"},
		{"no redis", func(c *Config) { c.Redis.URL = "" }, "REDIS_URL"},
		{"webhook without secret", func(c *Config) { c.Webhook.URL = "https://sink" }, "WEBHOOK_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := prodConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("invalid production config accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestTokenizeRequiresSalt(t *testing.T) {
	cfg := devConfig()
	cfg.PII.Mode = "tokenize"
	if err := Validate(cfg); err == nil {
		t.Fatal("tokenize without salt accepted")
	}
	cfg.PII.TokenSalt = "per-deployment-salt"
	if err := Validate(cfg); err != nil {
		t.Fatalf("tokenize with salt rejected: %v", err)
	}
}

func TestMTLSRequiredNeedsMaterial(t *testing.T) {
	cfg := devConfig()
	cfg.OPA.MTLSRequired = true
	if err := Validate(cfg); err == nil {
		t.Fatal("mTLS required without material accepted")
	}
	cfg.OPA.MTLSCertFile = "/etc/agentgate/client.crt"
	cfg.OPA.MTLSKeyFile = "/etc/agentgate/client.key"
	if err := Validate(cfg); err != nil {
		t.Fatalf("complete mTLS material rejected: %v", err)
	}
}

func TestBrokerVariantRequirements(t *testing.T) {
	cfg := devConfig()
	cfg.Broker.Kind = "exchange"
	if err := Validate(cfg); err == nil {
		t.Fatal("exchange broker without endpoints accepted")
	}
	cfg.Broker.IssueURL = "https://broker/issue"
	cfg.Broker.RevokeURL = "https://broker/revoke"
	if err := Validate(cfg); err != nil {
		t.Fatalf("complete exchange config rejected: %v", err)
	}

	cfg = devConfig()
	cfg.Broker.Kind = "client_credentials"
	if err := Validate(cfg); err == nil {
		t.Fatal("client_credentials broker without credentials accepted")
	}
}
