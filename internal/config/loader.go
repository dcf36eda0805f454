package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment names of the
// deployment contract. These are bare names, not prefixed, because the
// operators' tooling sets them directly.
var envBindings = map[string]string{
	"policy.path":             "POLICY_PATH",
	"policy.require_signed":   "POLICY_REQUIRE_SIGNED",
	"policy.package_secret":   "POLICY_PACKAGE_SECRET",
	"opa.url":                 "OPA_URL",
	"opa.mtls_required":       "MTLS_REQUIRED",
	"opa.mtls_cert_file":      "MTLS_CERT_FILE",
	"opa.mtls_key_file":       "MTLS_KEY_FILE",
	"opa.mtls_ca_file":        "MTLS_CA_FILE",
	"redis.url":               "REDIS_URL",
	"trace_db":                "TRACE_DB",
	"admin.jwt_secret":        "ADMIN_JWT_SECRET",
	"admin.allow_api_key":     "ADMIN_ALLOW_API_KEY",
	"admin.api_key_hash":      "ADMIN_API_KEY",
	"signing.key":             "SIGNING_KEY",
	"signing.backend":         "SIGNING_BACKEND",
	"signing.key_file":        "SIGNING_KEY_FILE",
	"pii.mode":                "PII_MODE",
	"pii.token_salt":          "PII_TOKEN_SALT",
	"slo.availability_target": "SLO_AVAILABILITY_TARGET",
	"slo.latency_p95_ms":      "SLO_LATENCY_P95_MS",
	"webhook.url":             "WEBHOOK_URL",
	"webhook.secret":          "WEBHOOK_SECRET",
	"strict_secrets":          "STRICT_SECRETS",
}

// InitViper configures the config search path. An explicit file wins;
// otherwise agentgate.yaml is searched in the working directory,
// $HOME/.agentgate/, and /etc/agentgate/.
func InitViper(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agentgate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.agentgate")
		viper.AddConfigPath("/etc/agentgate")
	}

	for key, env := range envBindings {
		// BindEnv only errors on an empty key.
		_ = viper.BindEnv(key, env)
	}
}

// Load reads, defaults, and validates the configuration.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine when the environment carries the
		// required values.
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SetDefaults()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// errorsAs wraps errors.As for viper's value-typed sentinel.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if err == nil {
		return false
	}
	if v, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = v
		return true
	}
	return strings.Contains(err.Error(), "Not Found")
}
