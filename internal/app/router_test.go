package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmix/roomd/internal/core"
	"github.com/openmix/roomd/internal/domain"
)

func newTestRouter(t *testing.T, rend *fakeRenderer) (*SourceRouter, *Registry) {
	t.Helper()
	if rend == nil {
		rend = &fakeRenderer{}
	}
	reg := NewRegistry(rend, testLimits())
	return NewSourceRouter(reg, 5*time.Second, StickyPolicy{}), reg
}

func TestEvaluateSequence_MonotonicDedup(t *testing.T) {
	sr, _ := newTestRouter(t, nil)
	now := time.Now()

	for seq := uint64(1); seq <= 5; seq++ {
		res := sr.EvaluateSequence("src", seq, now)
		if !res.Process {
			t.Fatalf("seq %d should be accepted", seq)
		}
	}
	// retransmissions of anything already seen are dropped, except seq 1
	for seq := uint64(2); seq <= 5; seq++ {
		if res := sr.EvaluateSequence("src", seq, now); res.Process {
			t.Errorf("seq %d is a duplicate and must be ignored", seq)
		}
	}
}

func TestEvaluateSequence_RestartKeepsSlot(t *testing.T) {
	rend := &fakeRenderer{}
	sr, _ := newTestRouter(t, rend)
	now := time.Now()

	target, err := sr.Resolve(context.Background(), "src")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for seq := uint64(1); seq <= 42; seq++ {
		sr.EvaluateSequence("src", seq, now)
	}

	res := sr.EvaluateSequence("src", 1, now)
	if !res.Process || !res.Restart {
		t.Fatalf("seq 1 after lastSeq=42 should restart, got %+v", res)
	}
	again, err := sr.Resolve(context.Background(), "src")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again.Room != target.Room || again.Input != target.Input {
		t.Errorf("restart must keep the routed slot: %v vs %v", again, target)
	}
}

func TestEvaluateSequence_FirstPacketGapFlagged(t *testing.T) {
	sr, _ := newTestRouter(t, nil)
	res := sr.EvaluateSequence("late", 7, time.Now())
	if !res.Process || !res.OutOfOrder {
		t.Errorf("first-ever packet with seq != 1 is accepted but flagged, got %+v", res)
	}
}

func TestEvaluateSequence_GapFlagged(t *testing.T) {
	sr, _ := newTestRouter(t, nil)
	now := time.Now()
	sr.EvaluateSequence("src", 1, now)

	res := sr.EvaluateSequence("src", 5, now)
	if !res.Process || !res.OutOfOrder {
		t.Errorf("gap should be accepted and flagged, got %+v", res)
	}
	if res := sr.EvaluateSequence("src", 6, now); !res.Process || res.OutOfOrder {
		t.Errorf("normal continuation after a gap, got %+v", res)
	}
}

func TestEvaluateSequence_IdleResetKeepsRouting(t *testing.T) {
	sr, _ := newTestRouter(t, nil)
	now := time.Now()

	target, err := sr.Resolve(context.Background(), "src")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	sr.EvaluateSequence("src", 1, now)
	sr.EvaluateSequence("src", 2, now)

	// silent past the timeout: sequencing forgets, routing does not
	res := sr.EvaluateSequence("src", 2, now.Add(6*time.Second))
	if !res.Process {
		t.Fatal("post-idle packet should be accepted despite seq <= old lastSeq")
	}
	route, ok := sr.RouteOf("src")
	if !ok || route.Room != target.Room {
		t.Errorf("idle reset must keep the routed slot, got %v ok=%v", route, ok)
	}
}

func TestResolve_CreatesThenReuses(t *testing.T) {
	sr, reg := newTestRouter(t, nil)

	target, err := sr.Resolve(context.Background(), "src")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("room count = %d, want 1", reg.Count())
	}
	room, err := reg.GetRoom(target.Room)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if !room.HasInput(target.Input) {
		t.Fatal("dedicated game input missing")
	}

	again, err := sr.Resolve(context.Background(), "src")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again != target || reg.Count() != 1 {
		t.Errorf("second resolve must reuse the slot: %v vs %v (rooms %d)", again, target, reg.Count())
	}
}

func TestResolve_DedicatedGameInputConnects(t *testing.T) {
	sr, reg := newTestRouter(t, nil)

	target, err := sr.Resolve(context.Background(), "src")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	room, err := reg.GetRoom(target.Room)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	st := room.Snapshot()
	for _, in := range st.Inputs {
		if in.ID != target.Input {
			continue
		}
		if in.Status != domain.StatusConnected {
			t.Errorf("dedicated game input status = %s, want connected", in.Status)
		}
		return
	}
	t.Fatal("dedicated game input missing from snapshot")
}

func TestResolve_StaleRouteRecreates(t *testing.T) {
	sr, reg := newTestRouter(t, nil)

	target, _ := sr.Resolve(context.Background(), "src")
	if err := reg.DeleteRoom(context.Background(), target.Room); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}

	next, err := sr.Resolve(context.Background(), "src")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if next.Room == target.Room {
		t.Error("route into a deleted room must be cleared and recreated")
	}
}

func TestResolveExplicit_LiveConflictReroutes(t *testing.T) {
	sr, reg := newTestRouter(t, nil)
	now := time.Now()

	room, _ := reg.CreateRoom(context.Background(), nil, CreateOpts{})
	input, _ := room.AddInput(core.InputSpec{Type: domain.InputGame})

	first, err := sr.ResolveExplicit(context.Background(), "owner", room.ID(), input, now)
	if err != nil || first.Rerouted {
		t.Fatalf("owner claim failed: %v %+v", err, first)
	}
	sr.EvaluateSequence("owner", 1, now)

	second, err := sr.ResolveExplicit(context.Background(), "intruder", room.ID(), input, now.Add(time.Second))
	if err != nil {
		t.Fatalf("ResolveExplicit: %v", err)
	}
	if !second.Rerouted {
		t.Fatal("live conflict must reroute, not overwrite")
	}
	if second.Room == room.ID() {
		t.Error("rerouted sender must land in a new room")
	}
	if route, ok := sr.RouteOf("owner"); !ok || route.Room != room.ID() {
		t.Errorf("owner's slot must be untouched, got %v ok=%v", route, ok)
	}
}

func TestResolveExplicit_StaleOwnerTakeover(t *testing.T) {
	sr, reg := newTestRouter(t, nil)
	now := time.Now()

	room, _ := reg.CreateRoom(context.Background(), nil, CreateOpts{})
	input, _ := room.AddInput(core.InputSpec{Type: domain.InputGame})

	if _, err := sr.ResolveExplicit(context.Background(), "owner", room.ID(), input, now); err != nil {
		t.Fatalf("owner claim: %v", err)
	}
	sr.EvaluateSequence("owner", 1, now)

	// owner silent past the timeout: claimant takes the slot without
	// manual intervention
	target, err := sr.ResolveExplicit(context.Background(), "claimant", room.ID(), input, now.Add(6*time.Second))
	if err != nil {
		t.Fatalf("ResolveExplicit: %v", err)
	}
	if target.Rerouted || target.Room != room.ID() || target.Input != input {
		t.Errorf("stale takeover should hand over the slot in place, got %+v", target)
	}
	if _, ok := sr.RouteOf("owner"); ok {
		t.Error("stale owner's route should be cleared")
	}
}

func TestResolve_SingleFlightCreation(t *testing.T) {
	rend := &fakeRenderer{registerDelay: 50 * time.Millisecond}
	sr, reg := newTestRouter(t, rend)

	const callers = 5
	var wg sync.WaitGroup
	targets := make([]Target, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			targets[i], errs[i] = sr.Resolve(context.Background(), "slow-src")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if targets[i].Room != targets[0].Room || targets[i].Input != targets[0].Input {
			t.Errorf("caller %d got %v, want %v", i, targets[i], targets[0])
		}
	}
	if reg.Count() != 1 {
		t.Errorf("concurrent packets spawned %d rooms, want 1", reg.Count())
	}
}

func TestEvaluateMovement_IdleAccumulates(t *testing.T) {
	sr, _ := newTestRouter(t, nil)
	now := time.Now()
	frame := GamePayload{Width: 10, Height: 20, Cells: []string{"a", "b"}}

	if idle := sr.EvaluateMovement("src", frame, now); idle != 0 {
		t.Fatalf("first frame idle = %v, want 0", idle)
	}
	if idle := sr.EvaluateMovement("src", frame, now.Add(2*time.Second)); idle != 2*time.Second {
		t.Errorf("unchanged frame idle = %v, want 2s", idle)
	}
	// cell order does not count as movement
	reordered := GamePayload{Width: 10, Height: 20, Cells: []string{"b", "a"}}
	if idle := sr.EvaluateMovement("src", reordered, now.Add(3*time.Second)); idle != 3*time.Second {
		t.Errorf("reordered frame idle = %v, want 3s", idle)
	}

	moved := GamePayload{Width: 10, Height: 20, Cells: []string{"a", "c"}}
	if idle := sr.EvaluateMovement("src", moved, now.Add(4*time.Second)); idle != 0 {
		t.Errorf("movement should reset idle, got %v", idle)
	}
}

func TestStickyPolicy_NeverEvicts(t *testing.T) {
	sr, reg := newTestRouter(t, nil)
	now := time.Now()

	target, _ := sr.Resolve(context.Background(), "src")
	frame := GamePayload{Width: 4, Height: 4, Cells: []string{"x"}}
	sr.EvaluateMovement("src", frame, now)
	sr.EvaluateMovement("src", frame, now.Add(time.Hour))

	if _, err := reg.GetRoom(target.Room); err != nil {
		t.Errorf("sticky policy must keep the idle room alive: %v", err)
	}
}
