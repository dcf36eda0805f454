// Package config provides the AgentGate configuration schema. Values
// come from agentgate.yaml plus environment overrides; the environment
// names follow the deployment contract (REDIS_URL, TRACE_DB, OPA_URL,
// ...) rather than a generated prefix.
package config

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Policy configures bundle loading and provenance.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// OPA configures the external rule evaluator transport. An empty
	// URL selects the builtin evaluator.
	OPA OPAConfig `yaml:"opa" mapstructure:"opa"`

	// Redis is the shared kill-switch / rate-limit store. Empty
	// selects the in-memory store (development only).
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// TraceDB is the trace backend DSN: an SQLite file path or a
	// postgres:// URL.
	TraceDB string `yaml:"trace_db" mapstructure:"trace_db" validate:"required"`

	// Admin configures admin endpoint authentication.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Signing configures evidence export signatures.
	Signing SigningConfig `yaml:"signing" mapstructure:"signing"`

	// PII configures payload redaction.
	PII PIIConfig `yaml:"pii" mapstructure:"pii"`

	// SLO configures the availability and latency targets.
	SLO SLOConfig `yaml:"slo" mapstructure:"slo"`

	// Webhook configures the alert sink.
	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`

	// Tenant configures tenant admission.
	Tenant TenantConfig `yaml:"tenant" mapstructure:"tenant"`

	// RateLimit configures the per-tenant sliding-window budgets.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Quarantine configures the risk signal.
	Quarantine QuarantineConfig `yaml:"quarantine" mapstructure:"quarantine"`

	// Rollout configures the stage-verdict budget.
	Rollout RolloutConfig `yaml:"rollout" mapstructure:"rollout"`

	// Broker selects and configures the credential broker variant.
	Broker BrokerConfig `yaml:"broker" mapstructure:"broker"`

	// Invoker configures the downstream tool forwarder. An empty URL
	// selects the echo invoker (development only).
	Invoker InvokerConfig `yaml:"invoker" mapstructure:"invoker"`

	// Anchor configures transparency anchoring.
	Anchor AnchorConfig `yaml:"anchor" mapstructure:"anchor"`

	// Retention configures the purge loop.
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`

	// StrictSecrets refuses weak or default secrets at startup.
	// Production deployments must run with this enabled.
	StrictSecrets bool `yaml:"strict_secrets" mapstructure:"strict_secrets"`

	// DevMode relaxes startup checks and enables debug logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// AllowedOrigins configures CORS for browser-based consoles.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// PolicyConfig configures bundle loading.
type PolicyConfig struct {
	// Path is the directory of rule bundles.
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
	// RequireSigned enables strict provenance mode: every bundle must
	// be a valid signed package.
	RequireSigned bool `yaml:"require_signed" mapstructure:"require_signed"`
	// PackageSecret is the shared key (hmac scheme) or hex-encoded
	// public key (ed25519 scheme) for package verification.
	PackageSecret string `yaml:"package_secret" mapstructure:"package_secret"`
	// PackageScheme is hmac or ed25519.
	PackageScheme string `yaml:"package_scheme" mapstructure:"package_scheme" validate:"omitempty,oneof=hmac ed25519"`
	// Signer names the trusted signer for ed25519 packages.
	Signer string `yaml:"signer" mapstructure:"signer"`
}

// OPAConfig configures the rule evaluator transport.
type OPAConfig struct {
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	// MTLSRequired fails startup when mutual TLS material is missing.
	MTLSRequired bool   `yaml:"mtls_required" mapstructure:"mtls_required"`
	MTLSCertFile string `yaml:"mtls_cert_file" mapstructure:"mtls_cert_file"`
	MTLSKeyFile  string `yaml:"mtls_key_file" mapstructure:"mtls_key_file"`
	MTLSCAFile   string `yaml:"mtls_ca_file" mapstructure:"mtls_ca_file"`
}

// RedisConfig configures the shared state store.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// AdminConfig configures admin authentication.
type AdminConfig struct {
	// JWTSecret signs and verifies admin bearer tokens.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	// AllowAPIKey enables the legacy shared-secret header.
	AllowAPIKey bool `yaml:"allow_api_key" mapstructure:"allow_api_key"`
	// APIKeyHash is the argon2id hash of the legacy admin key.
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash"`
}

// SigningConfig configures evidence signing.
type SigningConfig struct {
	// Backend is hmac or ed25519.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=hmac ed25519"`
	// Key is inline key material (hex or raw).
	Key string `yaml:"key" mapstructure:"key"`
	// KeyFile reads key material from a file instead.
	KeyFile string `yaml:"key_file" mapstructure:"key_file"`
}

// PIIConfig configures redaction.
type PIIConfig struct {
	// Mode is off, redact, or tokenize.
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=off redact tokenize"`
	// TokenSalt is the process-global salt for tokenize mode.
	TokenSalt string `yaml:"token_salt" mapstructure:"token_salt"`
}

// SLOConfig configures the monitor targets.
type SLOConfig struct {
	AvailabilityTarget float64 `yaml:"availability_target" mapstructure:"availability_target" validate:"omitempty,gt=0,lte=1"`
	LatencyP95MS       int     `yaml:"latency_p95_ms" mapstructure:"latency_p95_ms" validate:"omitempty,min=1"`
	WindowSecs         int     `yaml:"window_secs" mapstructure:"window_secs" validate:"omitempty,min=1"`
}

// WebhookConfig configures the alert sink.
type WebhookConfig struct {
	URL    string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// TenantConfig configures tenant admission.
type TenantConfig struct {
	// Require rejects calls without an explicit tenant.
	Require bool `yaml:"require" mapstructure:"require"`
	// Default is the tenant bound when none is sent.
	Default string `yaml:"default" mapstructure:"default"`
	// Isolation makes cross-tenant admin reads fail.
	Isolation bool `yaml:"isolation" mapstructure:"isolation"`
}

// TenantBudget is one tenant's request budget.
type TenantBudget struct {
	Tenant     string `yaml:"tenant" mapstructure:"tenant"`
	Limit      int    `yaml:"limit" mapstructure:"limit" validate:"min=1"`
	WindowSecs int    `yaml:"window_secs" mapstructure:"window_secs" validate:"min=1"`
}

// RateLimitConfig configures the limiter.
type RateLimitConfig struct {
	// DefaultLimit applies to tenants without their own budget.
	DefaultLimit int `yaml:"default_limit" mapstructure:"default_limit" validate:"omitempty,min=1"`
	// DefaultWindowSecs is the default window length.
	DefaultWindowSecs int `yaml:"default_window_secs" mapstructure:"default_window_secs" validate:"omitempty,min=1"`
	// Budgets are per-tenant overrides.
	Budgets []TenantBudget `yaml:"budgets" mapstructure:"budgets" validate:"omitempty,dive"`
}

// RiskRule is one configured quarantine risk rule.
type RiskRule struct {
	Name       string  `yaml:"name" mapstructure:"name" validate:"required"`
	Expression string  `yaml:"expression" mapstructure:"expression" validate:"required"`
	Weight     float64 `yaml:"weight" mapstructure:"weight" validate:"gt=0,lte=1"`
}

// QuarantineConfig configures the risk signal.
type QuarantineConfig struct {
	// WindowSize is the number of recent decisions scored.
	WindowSize int `yaml:"window_size" mapstructure:"window_size" validate:"omitempty,min=1"`
	// WindowSecs ages decisions out of the window.
	WindowSecs int `yaml:"window_secs" mapstructure:"window_secs" validate:"omitempty,min=1"`
	// Threshold quarantines at or above this score.
	Threshold float64 `yaml:"threshold" mapstructure:"threshold" validate:"omitempty,gt=0,lte=1"`
	// Rules are the CEL risk rules; empty selects the shipped set.
	Rules []RiskRule `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// RolloutConfig configures the stage-verdict budget.
type RolloutConfig struct {
	MaxCriticalDrift int     `yaml:"max_critical_drift" mapstructure:"max_critical_drift" validate:"omitempty,min=0"`
	MaxErrorRate     float64 `yaml:"max_error_rate" mapstructure:"max_error_rate" validate:"omitempty,gt=0,lte=1"`
}

// BrokerConfig selects the credential broker variant.
type BrokerConfig struct {
	// Kind is inert, exchange, client_credentials, or sts.
	Kind string `yaml:"kind" mapstructure:"kind" validate:"omitempty,oneof=inert exchange client_credentials sts"`
	// IssueURL / RevokeURL serve the exchange and sts variants.
	IssueURL  string `yaml:"issue_url" mapstructure:"issue_url" validate:"omitempty,url"`
	RevokeURL string `yaml:"revoke_url" mapstructure:"revoke_url" validate:"omitempty,url"`
	// ClientID / ClientSecret / TokenURL serve the client-credentials
	// variant.
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	TokenURL     string `yaml:"token_url" mapstructure:"token_url" validate:"omitempty,url"`
	// MinTTLSecs / MaxTTLSecs bound the sts variant.
	MinTTLSecs int `yaml:"min_ttl_secs" mapstructure:"min_ttl_secs" validate:"omitempty,min=1"`
	MaxTTLSecs int `yaml:"max_ttl_secs" mapstructure:"max_ttl_secs" validate:"omitempty,min=1"`
	// CredentialTTLSecs bounds issued credentials on the gateway side.
	CredentialTTLSecs int `yaml:"credential_ttl_secs" mapstructure:"credential_ttl_secs" validate:"omitempty,min=1"`
}

// InvokerConfig configures the downstream forwarder.
type InvokerConfig struct {
	URL         string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"omitempty,min=1"`
}

// AnchorConfig configures transparency anchoring.
type AnchorConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
	// Schemes is the allowlist of anchor URL schemes. Defaults to
	// https only; unrecognized schemes fail closed.
	Schemes []string `yaml:"schemes" mapstructure:"schemes"`
}

// RetentionConfig configures the purge loop.
type RetentionConfig struct {
	IntervalMins int `yaml:"interval_mins" mapstructure:"interval_mins" validate:"omitempty,min=1"`
}

// SetDefaults applies the documented defaults.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Policy.PackageScheme == "" {
		c.Policy.PackageScheme = "hmac"
	}
	if c.Signing.Backend == "" {
		c.Signing.Backend = "hmac"
	}
	if c.PII.Mode == "" {
		c.PII.Mode = "off"
	}
	if c.SLO.AvailabilityTarget == 0 {
		c.SLO.AvailabilityTarget = 0.995
	}
	if c.SLO.LatencyP95MS == 0 {
		c.SLO.LatencyP95MS = 500
	}
	if c.SLO.WindowSecs == 0 {
		c.SLO.WindowSecs = 300
	}
	if c.Tenant.Default == "" {
		c.Tenant.Default = "default"
	}
	if c.RateLimit.DefaultLimit == 0 {
		c.RateLimit.DefaultLimit = 120
	}
	if c.RateLimit.DefaultWindowSecs == 0 {
		c.RateLimit.DefaultWindowSecs = 60
	}
	if c.Quarantine.WindowSize == 0 {
		c.Quarantine.WindowSize = 20
	}
	if c.Quarantine.WindowSecs == 0 {
		c.Quarantine.WindowSecs = 60
	}
	if c.Quarantine.Threshold == 0 {
		c.Quarantine.Threshold = 0.8
	}
	if c.Rollout.MaxErrorRate == 0 {
		c.Rollout.MaxErrorRate = 0.05
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = "inert"
	}
	if c.Broker.CredentialTTLSecs == 0 {
		c.Broker.CredentialTTLSecs = 300
	}
	if len(c.Anchor.Schemes) == 0 {
		c.Anchor.Schemes = []string{"https"}
	}
	if c.Retention.IntervalMins == 0 {
		c.Retention.IntervalMins = 60
	}
}
