package registry

import (
	"testing"

	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/signal"
)

func TestStatusDefaultsToDisconnected(t *testing.T) {
	r := New()
	s := r.Status(signal.FamilyVideo, "peer-a")
	if s.Kind != Disconnected {
		t.Fatalf("default status = %v, want Disconnected", s.Kind)
	}
}

func TestInitStatusIfAbsentRespectsBlocklist(t *testing.T) {
	r := New()
	r.Block("peer-a")
	r.InitStatusIfAbsent(signal.FamilyVideo, "peer-a")
	if s := r.Status(signal.FamilyVideo, "peer-a"); s.Kind != Blocked {
		t.Fatalf("status for blocked peer = %v, want Blocked", s.Kind)
	}

	r.InitStatusIfAbsent(signal.FamilyVideo, "peer-b")
	if s := r.Status(signal.FamilyVideo, "peer-b"); s.Kind != Disconnected {
		t.Fatalf("status for unblocked peer = %v, want Disconnected", s.Kind)
	}
}

func TestInitStatusIfAbsentDoesNotOverwrite(t *testing.T) {
	r := New()
	r.SetStatus(signal.FamilyVideo, "peer-a", Status{Kind: Connected})
	r.InitStatusIfAbsent(signal.FamilyVideo, "peer-a")
	if s := r.Status(signal.FamilyVideo, "peer-a"); s.Kind != Connected {
		t.Fatalf("InitStatusIfAbsent overwrote existing status: got %v", s.Kind)
	}
}

func TestFamiliesAreIndependent(t *testing.T) {
	r := New()
	r.SetStatus(signal.FamilyVideo, "peer-a", Status{Kind: Connected})
	if s := r.Status(signal.FamilyScreen, "peer-a"); s.Kind != Disconnected {
		t.Fatalf("screen family leaked video status: got %v", s.Kind)
	}
}

func TestPromoteAcceptPicksWinnerAndReturnsLosers(t *testing.T) {
	r := New()
	r.AddPendingAccept(signal.FamilyVideo, "peer-a", &PendingAccept{ConnectionID: "cid-1"})
	r.AddPendingAccept(signal.FamilyVideo, "peer-a", &PendingAccept{ConnectionID: "cid-2"})
	r.AddPendingAccept(signal.FamilyVideo, "peer-a", &PendingAccept{ConnectionID: "cid-3"})

	winner, losers := r.PromoteAccept(signal.FamilyVideo, "peer-a", "cid-2")
	if winner == nil || winner.ConnectionID != "cid-2" {
		t.Fatalf("winner = %+v, want cid-2", winner)
	}
	if len(losers) != 2 {
		t.Fatalf("losers = %d, want 2", len(losers))
	}
	if remaining := r.PendingAccepts(signal.FamilyVideo, "peer-a"); len(remaining) != 0 {
		t.Fatalf("pending accepts not cleared after promote: %d remain", len(remaining))
	}
}

func TestPromoteAcceptNoMatch(t *testing.T) {
	r := New()
	r.AddPendingAccept(signal.FamilyVideo, "peer-a", &PendingAccept{ConnectionID: "cid-1"})
	winner, losers := r.PromoteAccept(signal.FamilyVideo, "peer-a", "cid-nonexistent")
	if winner != nil {
		t.Fatalf("winner = %+v, want nil", winner)
	}
	if len(losers) != 1 {
		t.Fatalf("losers = %d, want 1", len(losers))
	}
}

func TestClearPendingInits(t *testing.T) {
	r := New()
	r.AddPendingInit(signal.FamilyVideo, "peer-a", &PendingInit{ConnectionID: "cid-1"})
	r.ClearPendingInits(signal.FamilyVideo, "peer-a")
	if got := r.PendingInits(signal.FamilyVideo, "peer-a"); len(got) != 0 {
		t.Fatalf("pending inits after clear = %d, want 0", len(got))
	}
}

func TestOpenConnectionLifecycle(t *testing.T) {
	r := New()
	oc := &OpenConnection{ConnectionID: "cid-1", Peer: "peer-a"}
	r.SetOpenConnection(signal.FamilyVideo, "peer-a", oc)

	got, ok := r.OpenConnection(signal.FamilyVideo, "peer-a")
	if !ok || got.ConnectionID != "cid-1" {
		t.Fatalf("OpenConnection lookup failed: %+v, %v", got, ok)
	}

	removed, ok := r.RemoveOpenConnection(signal.FamilyVideo, "peer-a")
	if !ok || removed.ConnectionID != "cid-1" {
		t.Fatalf("RemoveOpenConnection = %+v, %v", removed, ok)
	}
	if _, ok := r.OpenConnection(signal.FamilyVideo, "peer-a"); ok {
		t.Fatal("open connection still present after removal")
	}
}

func TestMarkToldUpgradesOnKnown(t *testing.T) {
	r := New()
	r.MarkTold("peer-a", "1.0")
	agents := r.KnownAgents()
	if agents["peer-a"].Type != AgentTold {
		t.Fatalf("agent type = %v, want AgentTold", agents["peer-a"].Type)
	}

	r.MarkKnown("peer-a", "1.0")
	agents = r.KnownAgents()
	if agents["peer-a"].Type != AgentKnown {
		t.Fatalf("agent type after MarkKnown = %v, want AgentKnown", agents["peer-a"].Type)
	}

	// A later MarkTold must not downgrade a known agent.
	r.MarkTold("peer-a", "1.0")
	agents = r.KnownAgents()
	if agents["peer-a"].Type != AgentKnown {
		t.Fatal("MarkTold downgraded a known agent")
	}
}

func TestBlockForcesBothFamiliesBlocked(t *testing.T) {
	r := New()
	r.SetStatus(signal.FamilyVideo, "peer-a", Status{Kind: Connected})
	r.Block("peer-a")

	if !r.IsBlocked("peer-a") {
		t.Fatal("peer not reported blocked")
	}
	if s := r.Status(signal.FamilyVideo, "peer-a"); s.Kind != Blocked {
		t.Fatalf("video status = %v, want Blocked", s.Kind)
	}
	if s := r.Status(signal.FamilyScreen, "peer-a"); s.Kind != Blocked {
		t.Fatalf("screen status = %v, want Blocked", s.Kind)
	}

	found := false
	for _, p := range r.Blocklist() {
		if p == identity.PubKey("peer-a") {
			found = true
		}
	}
	if !found {
		t.Fatal("peer missing from Blocklist()")
	}
}

func TestResetClearsEverything(t *testing.T) {
	r := New()
	r.SetStatus(signal.FamilyVideo, "peer-a", Status{Kind: Connected})
	r.SetOpenConnection(signal.FamilyVideo, "peer-a", &OpenConnection{ConnectionID: "cid-1"})
	r.MarkKnown("peer-a", "1.0")
	r.Block("peer-b")

	r.Reset()

	if s := r.Status(signal.FamilyVideo, "peer-a"); s.Kind != Disconnected {
		t.Fatalf("status survived reset: %v", s.Kind)
	}
	if _, ok := r.OpenConnection(signal.FamilyVideo, "peer-a"); ok {
		t.Fatal("open connection survived reset")
	}
	if len(r.KnownAgents()) != 0 {
		t.Fatal("known agents survived reset")
	}
	if r.IsBlocked("peer-b") {
		t.Fatal("blocklist survived reset")
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	r := New()
	r.SetStatus(signal.FamilyVideo, "peer-a", Status{Kind: Connected, Attempt: 2})
	r.SetOpenConnection(signal.FamilyScreen, "peer-b", &OpenConnection{ConnectionID: "cid-9"})
	r.MarkKnown("peer-c", "1.2")
	r.Block("peer-d")

	snap := r.Snapshot()
	if snap.Video.Statuses["peer-a"].Kind != Connected {
		t.Fatalf("snapshot missing video status: %+v", snap.Video.Statuses)
	}
	if _, ok := snap.Screen.OpenConnections["peer-b"]; !ok {
		t.Fatal("snapshot missing screen open connection")
	}
	if _, ok := snap.KnownAgents["peer-c"]; !ok {
		t.Fatal("snapshot missing known agent")
	}
	found := false
	for _, p := range snap.Blocklist {
		if p == identity.PubKey("peer-d") {
			found = true
		}
	}
	if !found {
		t.Fatal("snapshot missing blocked peer")
	}
}
