package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/adapter/outbound/broker"
	"github.com/agentgate/agentgate/internal/adapter/outbound/cel"
	"github.com/agentgate/agentgate/internal/adapter/outbound/invoker"
	"github.com/agentgate/agentgate/internal/adapter/outbound/memory"
	"github.com/agentgate/agentgate/internal/adapter/outbound/policyeval"
	"github.com/agentgate/agentgate/internal/adapter/outbound/sqlstore"
	"github.com/agentgate/agentgate/internal/domain/credential"
	"github.com/agentgate/agentgate/internal/domain/policy"
	"github.com/agentgate/agentgate/internal/domain/ratelimit"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

const testBundleYAML = `tenant_id: ""
version: v1
read_only_tools: [db_query, file_read]
write_tools: [db_insert]
credential_tools: [db_query, db_insert]
default_action: deny
`

// countingInvoker records invocations so tests can assert containment.
type countingInvoker struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInvoker) Invoke(_ context.Context, toolName string, args map[string]any, _ *credential.Credential) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return map[string]any{"tool": toolName}, nil
}

func (c *countingInvoker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// harness wires a full pipeline over the embedded store.
type harness struct {
	store   *sqlstore.Store
	gateway *GatewayService
	kill    *KillSwitchController
	quar    *QuarantineCoordinator
	broker  *broker.Inert
	invoke  *countingInvoker
	policy  *PolicyService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := sqlstore.Open(filepath.Join(t.TempDir(), "trace.db"), sqlstore.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnsureSession(ctx, SystemSessionID, SystemTenantID); err != nil {
		t.Fatal(err)
	}

	policyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(policyDir, "default.yaml"), []byte(testBundleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	loader := policy.NewLoader(policyDir, false, nil)
	policySvc, err := NewPolicyService(loader, store, logger)
	if err != nil {
		t.Fatal(err)
	}

	kill := NewKillSwitchController(memory.NewKillSwitchStore(), store, logger,
		WithKillSwitchReflector(store))
	brk := broker.NewInert()
	inv := &countingInvoker{}

	gateway := NewGatewayService(
		GatewayConfig{
			Budgets: map[string]ratelimit.Budget{"": {Limit: 100, Window: time.Minute}},
		},
		store, kill, store, memory.NewRateLimiter(), policySvc,
		policyeval.New(policySvc.Snapshot), brk, inv,
		trace.NewRedactor(trace.RedactOff, ""), logger,
	)

	scorer, err := cel.NewScorer(cel.DefaultRules(), logger)
	if err != nil {
		t.Fatal(err)
	}
	quar := NewQuarantineCoordinator(
		QuarantineConfig{WindowSize: 10, WindowAge: time.Minute, Threshold: 0.8},
		store, store, kill, brk, scorer, logger,
	)

	return &harness{
		store:   store,
		gateway: gateway,
		kill:    kill,
		quar:    quar,
		broker:  brk,
		invoke:  inv,
		policy:  policySvc,
	}
}

// budgetOf builds a one-minute budget with the given limit.
func budgetOf(limit int) ratelimit.Budget {
	return ratelimit.Budget{Limit: limit, Window: time.Minute}
}

var _ invoker.Invoker = (*countingInvoker)(nil)
