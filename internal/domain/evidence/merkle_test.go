package evidence

import (
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/domain/trace"
)

func makeEvents(n int) []trace.Event {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	events := make([]trace.Event, n)
	for i := range events {
		events[i] = trace.Event{
			EventID:   int64(i + 1),
			SessionID: "s1",
			TenantID:  "t1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Kind:      trace.KindDecision,
			ToolName:  "db_query",
			Decision:  trace.DecisionAllow,
			Reason:    "tool_allowlisted",
		}
	}
	return events
}

func TestTreeEmptyRejected(t *testing.T) {
	if _, err := NewTree(nil); err == nil {
		t.Fatal("expected error for empty event list")
	}
}

func TestInclusionProofRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 16, 33} {
		events := makeEvents(n)
		tree, err := NewTree(events)
		if err != nil {
			t.Fatalf("n=%d: build tree: %v", n, err)
		}
		root := tree.Root()
		for i, ev := range events {
			proof, err := tree.ProofFor(i, ev.EventID)
			if err != nil {
				t.Fatalf("n=%d i=%d: proof: %v", n, i, err)
			}
			if !VerifyInclusion(root, ev, proof) {
				t.Errorf("n=%d i=%d: inclusion proof did not verify", n, i)
			}
		}
	}
}

func TestInclusionProofRejectsTamperedEvent(t *testing.T) {
	events := makeEvents(8)
	tree, err := NewTree(events)
	if err != nil {
		t.Fatal(err)
	}
	proof, err := tree.ProofFor(3, events[3].EventID)
	if err != nil {
		t.Fatal(err)
	}

	tampered := events[3]
	tampered.Decision = trace.DecisionDeny
	if VerifyInclusion(tree.Root(), tampered, proof) {
		t.Error("tampered event verified against original proof")
	}
}

func TestInclusionProofRejectsWrongRoot(t *testing.T) {
	events := makeEvents(4)
	tree, _ := NewTree(events)
	proof, _ := tree.ProofFor(0, events[0].EventID)

	other, _ := NewTree(makeEvents(5))
	if VerifyInclusion(other.Root(), events[0], proof) {
		t.Error("proof verified against a different tree's root")
	}
}

func TestRootDeterministic(t *testing.T) {
	events := makeEvents(6)
	t1, _ := NewTree(events)
	t2, _ := NewTree(events)
	if t1.Root() != t2.Root() {
		t.Errorf("roots differ for identical input: %s vs %s", t1.Root(), t2.Root())
	}
}

func TestRootChangesWithEvents(t *testing.T) {
	t1, _ := NewTree(makeEvents(6))
	changed := makeEvents(6)
	changed[5].Reason = "different"
	t2, _ := NewTree(changed)
	if t1.Root() == t2.Root() {
		t.Error("root unchanged after event mutation")
	}
}
