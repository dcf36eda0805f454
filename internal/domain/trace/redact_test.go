package trace

import (
	"testing"
)

func TestRedactOffPassesThrough(t *testing.T) {
	r := NewRedactor(RedactOff, "")
	in := map[string]any{"password": "hunter2", "query": "select 1"}
	out := r.Apply(in)
	if out["password"] != "hunter2" {
		t.Errorf("off mode mutated payload: %v", out)
	}
}

func TestRedactMaskReplacesSensitiveKeys(t *testing.T) {
	r := NewRedactor(RedactMask, "")
	out := r.Apply(map[string]any{
		"password":  "hunter2",
		"api_key":   "sk-123",
		"AuthToken": "abc",
		"query":     "select 1",
	})

	for _, key := range []string{"password", "api_key", "AuthToken"} {
		if out[key] != "***REDACTED***" {
			t.Errorf("%s = %v, want masked", key, out[key])
		}
	}
	if out["query"] != "select 1" {
		t.Errorf("non-sensitive key was mutated: %v", out["query"])
	}
}

func TestRedactNestedMaps(t *testing.T) {
	r := NewRedactor(RedactMask, "")
	out := r.Apply(map[string]any{
		"config": map[string]any{"secret": "s3cret", "host": "db.local"},
	})
	nested := out["config"].(map[string]any)
	if nested["secret"] != "***REDACTED***" {
		t.Errorf("nested secret not masked: %v", nested["secret"])
	}
	if nested["host"] != "db.local" {
		t.Errorf("nested non-sensitive key mutated: %v", nested["host"])
	}
}

func TestTokenizeDeterministic(t *testing.T) {
	r := NewRedactor(RedactTokenize, "salt-1")
	out1 := r.Apply(map[string]any{"email": "a@example.com"})
	out2 := r.Apply(map[string]any{"email": "a@example.com"})
	if out1["email"] != out2["email"] {
		t.Errorf("tokens differ for identical input: %v vs %v", out1["email"], out2["email"])
	}
	if out1["email"] == "a@example.com" {
		t.Error("tokenize mode left value in the clear")
	}
}

func TestTokenizeSaltChangesToken(t *testing.T) {
	a := NewRedactor(RedactTokenize, "salt-1").Token("a@example.com")
	b := NewRedactor(RedactTokenize, "salt-2").Token("a@example.com")
	if a == b {
		t.Error("tokens identical across different salts")
	}
}

func TestIntegrityHashStable(t *testing.T) {
	ev := Event{
		EventID:   1,
		SessionID: "s1",
		TenantID:  "t1",
		Kind:      KindDecision,
		Decision:  DecisionAllow,
	}
	h1 := ev.ComputeIntegrityHash()
	h2 := ev.ComputeIntegrityHash()
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}

	// The stored hash must not feed back into the hash.
	ev.IntegrityHash = h1
	if ev.ComputeIntegrityHash() != h1 {
		t.Error("integrity hash included itself")
	}

	ev.Reason = "changed"
	if ev.ComputeIntegrityHash() == h1 {
		t.Error("hash unchanged after field mutation")
	}
}
