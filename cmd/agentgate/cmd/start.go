package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/internal/adapter/inbound/http"
	"github.com/agentgate/agentgate/internal/adapter/outbound/anchor"
	"github.com/agentgate/agentgate/internal/adapter/outbound/broker"
	"github.com/agentgate/agentgate/internal/adapter/outbound/cel"
	"github.com/agentgate/agentgate/internal/adapter/outbound/invoker"
	"github.com/agentgate/agentgate/internal/adapter/outbound/memory"
	"github.com/agentgate/agentgate/internal/adapter/outbound/opa"
	"github.com/agentgate/agentgate/internal/adapter/outbound/policyeval"
	"github.com/agentgate/agentgate/internal/adapter/outbound/redisstate"
	"github.com/agentgate/agentgate/internal/adapter/outbound/sqlstore"
	"github.com/agentgate/agentgate/internal/adapter/outbound/webhook"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/domain/credential"
	"github.com/agentgate/agentgate/internal/domain/evidence"
	"github.com/agentgate/agentgate/internal/domain/killswitch"
	"github.com/agentgate/agentgate/internal/domain/policy"
	"github.com/agentgate/agentgate/internal/domain/ratelimit"
	"github.com/agentgate/agentgate/internal/domain/risk"
	"github.com/agentgate/agentgate/internal/domain/rollout"
	"github.com/agentgate/agentgate/internal/domain/trace"
	"github.com/agentgate/agentgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runGateway(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runGateway(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Trace store: migrate before serving anything.
	store, err := sqlstore.Open(cfg.TraceDB,
		sqlstore.WithLogger(logger),
		sqlstore.WithTenantIsolation(cfg.Tenant.Isolation),
	)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if _, err := store.EnsureSession(ctx, service.SystemSessionID, service.SystemTenantID); err != nil {
		return fmt.Errorf("create system session: %w", err)
	}

	// Shared state: Redis when configured, in-memory otherwise.
	var killStore killswitch.Store
	var limiter ratelimit.Limiter
	if cfg.Redis.URL != "" {
		client, err := redisstate.Connect(cfg.Redis.URL, 5*time.Second)
		if err != nil {
			return err
		}
		defer client.Close()
		killStore = redisstate.NewKillSwitchStore(client)
		limiter = redisstate.NewRateLimiter(client)
	} else {
		logger.Warn("REDIS_URL not set; kill switches are replica-local")
		killStore = memory.NewKillSwitchStore()
		limiter = memory.NewRateLimiter()
	}

	notifier := webhook.New(cfg.Webhook.URL, []byte(cfg.Webhook.Secret), logger)
	killCtrl := service.NewKillSwitchController(killStore, store, logger,
		service.WithKillSwitchReflector(store),
		service.WithKillSwitchAlerts(notifier),
	)

	// Policy: loader + verifier, then the engine transport.
	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}
	loader := policy.NewLoader(cfg.Policy.Path, cfg.Policy.RequireSigned, verifier)
	policySvc, err := service.NewPolicyService(loader, store, logger)
	if err != nil {
		return err
	}

	var engine policy.Engine
	if cfg.OPA.URL != "" {
		engine, err = opa.NewClient(cfg.OPA.URL, opa.MTLSConfig{
			Required: cfg.OPA.MTLSRequired,
			CertFile: cfg.OPA.MTLSCertFile,
			KeyFile:  cfg.OPA.MTLSKeyFile,
			CAFile:   cfg.OPA.MTLSCAFile,
		}, opa.WithLogger(logger))
		if err != nil {
			return err
		}
	} else {
		engine = policyeval.New(policySvc.Snapshot)
	}

	brk, err := buildBroker(cfg)
	if err != nil {
		return err
	}

	var inv invoker.Invoker = invoker.Echo{}
	if cfg.Invoker.URL != "" {
		inv = invoker.NewHTTP(cfg.Invoker.URL, time.Duration(cfg.Invoker.TimeoutSecs)*time.Second)
	}

	redactor := newRedactor(cfg)

	gateway := service.NewGatewayService(
		service.GatewayConfig{
			DefaultTenant: cfg.Tenant.Default,
			RequireTenant: cfg.Tenant.Require,
			Budgets:       budgetsFrom(cfg),
			CredentialTTL: time.Duration(cfg.Broker.CredentialTTLSecs) * time.Second,
		},
		store, killCtrl, store, limiter, policySvc, engine, brk, inv, redactor, logger,
	)

	// Quarantine coordinator: CEL risk rules over the decision stream.
	scorer, err := buildScorer(cfg, logger)
	if err != nil {
		return err
	}
	quarantine := service.NewQuarantineCoordinator(
		service.QuarantineConfig{
			WindowSize: cfg.Quarantine.WindowSize,
			WindowAge:  time.Duration(cfg.Quarantine.WindowSecs) * time.Second,
			Threshold:  cfg.Quarantine.Threshold,
		},
		store, store, killCtrl, brk, scorer, logger,
		service.WithQuarantineAlerts(notifier),
	)
	if err := quarantine.Recover(ctx); err != nil {
		return fmt.Errorf("incident recovery: %w", err)
	}
	quarantine.Start(ctx, gateway.Notices())
	defer quarantine.Stop()

	slo := service.NewSLOMonitor(service.SLOConfig{
		AvailabilityTarget: cfg.SLO.AvailabilityTarget,
		LatencyP95:         time.Duration(cfg.SLO.LatencyP95MS) * time.Millisecond,
		Window:             time.Duration(cfg.SLO.WindowSecs) * time.Second,
	}, store, logger)
	slo.Start(ctx)
	defer slo.Stop()

	retention := service.NewRetentionWorker(store,
		time.Duration(cfg.Retention.IntervalMins)*time.Minute, logger)
	retention.Start(ctx)
	defer retention.Stop()

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}
	evidenceSvc := service.NewEvidenceService(store, store, signer, nil, redactor, logger)

	var anchorer service.Anchorer
	if cfg.Anchor.URL != "" {
		client, err := anchor.New(cfg.Anchor.URL, cfg.Anchor.Schemes, 5*time.Second)
		if err != nil {
			return err
		}
		anchorer = client
	}
	transparency := service.NewTransparencyService(store, store, anchorer, logger)

	rollouts := service.NewRolloutService(store, policySvc, loader, store, rollout.Budget{
		MaxCriticalDrift: cfg.Rollout.MaxCriticalDrift,
		MaxErrorRate:     cfg.Rollout.MaxErrorRate,
	}, logger)

	auth := http.NewAdminAuth(cfg.Admin.JWTSecret, cfg.Admin.AllowAPIKey, cfg.Admin.APIKeyHash, logger)

	server := http.NewServer(http.Deps{
		Gateway:      gateway,
		Policies:     policySvc,
		Kill:         killCtrl,
		Quarantine:   quarantine,
		Evidence:     evidenceSvc,
		Transparency: transparency,
		Rollouts:     rollouts,
		Traces:       store,
		SLO:          slo,
		Auth:         auth,
	}, cfg.Server.AllowedOrigins,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })

	logger.Info("agentgate started",
		"addr", cfg.Server.HTTPAddr,
		"trace_backend", store.Backend(),
		"strict_provenance", cfg.Policy.RequireSigned,
	)
	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRedactor(cfg *config.Config) *trace.Redactor {
	return trace.NewRedactor(trace.RedactionMode(cfg.PII.Mode), cfg.PII.TokenSalt)
}

func buildVerifier(cfg *config.Config) (*policy.Verifier, error) {
	if cfg.Policy.PackageSecret == "" {
		if cfg.Policy.RequireSigned {
			return nil, fmt.Errorf("POLICY_REQUIRE_SIGNED set but POLICY_PACKAGE_SECRET missing")
		}
		return nil, nil
	}
	switch cfg.Policy.PackageScheme {
	case "ed25519":
		pub, err := hex.DecodeString(cfg.Policy.PackageSecret)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("POLICY_PACKAGE_SECRET must be a hex ed25519 public key for the ed25519 scheme")
		}
		signer := cfg.Policy.Signer
		if signer == "" {
			signer = "default"
		}
		return policy.NewEd25519Verifier(map[string]ed25519.PublicKey{
			signer: ed25519.PublicKey(pub),
		}), nil
	default:
		return policy.NewHMACVerifier([]byte(cfg.Policy.PackageSecret)), nil
	}
}

func buildBroker(cfg *config.Config) (credential.Broker, error) {
	switch broker.Kind(cfg.Broker.Kind) {
	case broker.KindExchange:
		return broker.NewExchange(cfg.Broker.IssueURL, cfg.Broker.RevokeURL, 5*time.Second), nil
	case broker.KindClientCreds:
		return broker.NewClientCredentials(cfg.Broker.ClientID, cfg.Broker.ClientSecret,
			cfg.Broker.TokenURL, nil), nil
	case broker.KindSTS:
		return broker.NewSTS(cfg.Broker.IssueURL, cfg.Broker.RevokeURL,
			time.Duration(cfg.Broker.MinTTLSecs)*time.Second,
			time.Duration(cfg.Broker.MaxTTLSecs)*time.Second), nil
	default:
		return broker.NewInert(), nil
	}
}

func buildScorer(cfg *config.Config, logger *slog.Logger) (risk.Scorer, error) {
	rules := cel.DefaultRules()
	if len(cfg.Quarantine.Rules) > 0 {
		rules = rules[:0]
		for _, r := range cfg.Quarantine.Rules {
			rules = append(rules, cel.Rule{
				Name:       r.Name,
				Expression: r.Expression,
				Weight:     r.Weight,
			})
		}
	}
	return cel.NewScorer(rules, logger)
}

func buildSigner(cfg *config.Config) (evidence.Signer, error) {
	key, source, err := evidence.LoadKeyMaterial(cfg.Signing.Key, cfg.Signing.KeyFile)
	if err != nil {
		if cfg.DevMode {
			// Development fallback so evidence endpoints work out of
			// the box. Production validation already required a key.
			return evidence.NewHMACSigner([]byte("agentgate-dev-signing-key"), evidence.KeySourceEnv), nil
		}
		return nil, err
	}
	if cfg.Signing.Backend == "ed25519" {
		return evidence.NewEd25519Signer(key, source)
	}
	return evidence.NewHMACSigner(key, source), nil
}

func budgetsFrom(cfg *config.Config) map[string]ratelimit.Budget {
	budgets := map[string]ratelimit.Budget{
		"": {
			Limit:  cfg.RateLimit.DefaultLimit,
			Window: time.Duration(cfg.RateLimit.DefaultWindowSecs) * time.Second,
		},
	}
	for _, b := range cfg.RateLimit.Budgets {
		budgets[b.Tenant] = ratelimit.Budget{
			Limit:  b.Limit,
			Window: time.Duration(b.WindowSecs) * time.Second,
		}
	}
	return budgets
}
