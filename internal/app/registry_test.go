package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openmix/roomd/internal/core"
	"github.com/openmix/roomd/internal/domain"
)

// fakeRenderer satisfies core.Renderer; registerDelay simulates a slow
// downstream output-sink allocation.
type fakeRenderer struct {
	mu            sync.Mutex
	registerDelay time.Duration
	outputs       int
	unregistered  []domain.InputID
}

func (f *fakeRenderer) RegisterOutput(_ context.Context, room domain.RoomID, _ domain.Resolution) (string, error) {
	if f.registerDelay > 0 {
		time.Sleep(f.registerDelay)
	}
	f.mu.Lock()
	f.outputs++
	f.mu.Unlock()
	return "http://renderer/whep/" + string(room), nil
}

func (f *fakeRenderer) UnregisterOutput(context.Context, domain.RoomID) error { return nil }

func (f *fakeRenderer) RegisterInput(context.Context, domain.RoomID, core.InputInfo) error {
	return nil
}

func (f *fakeRenderer) UnregisterInput(_ context.Context, _ domain.RoomID, id domain.InputID) error {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, id)
	f.mu.Unlock()
	return nil
}

func testLimits() Limits {
	return Limits{
		SoftLimit:         0,
		HardLimit:         0,
		GraceDelay:        time.Minute,
		InactivityTimeout: time.Hour,
		WhipStaleTTL:      30 * time.Second,
		SweepInterval:     time.Second,
		DefaultResolution: domain.DefaultResolution,
	}
}

func mustCreate(t *testing.T, r *Registry, opts CreateOpts) *core.Room {
	t.Helper()
	room, err := r.CreateRoom(context.Background(), nil, opts)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	// creation timestamps must order for eviction ranking
	time.Sleep(2 * time.Millisecond)
	return room
}

func TestRegistry_CreateAtHardLimit(t *testing.T) {
	limits := testLimits()
	limits.HardLimit = 2
	r := NewRegistry(&fakeRenderer{}, limits)

	mustCreate(t, r, CreateOpts{})
	mustCreate(t, r, CreateOpts{})

	if _, err := r.CreateRoom(context.Background(), nil, CreateOpts{}); !errors.Is(err, domain.ErrAtCapacity) {
		t.Errorf("want ErrAtCapacity, got %v", err)
	}
	if _, err := r.CreateRoom(context.Background(), nil, CreateOpts{BypassCapacity: true}); err != nil {
		t.Errorf("bypass should admit past the hard limit: %v", err)
	}
}

func TestRegistry_ConcurrentCreateRespectsHardLimit(t *testing.T) {
	rend := &fakeRenderer{registerDelay: 30 * time.Millisecond}
	limits := testLimits()
	limits.HardLimit = 1
	r := NewRegistry(rend, limits)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.CreateRoom(context.Background(), nil, CreateOpts{})
		}(i)
	}
	wg.Wait()

	admitted := 0
	for i, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, domain.ErrAtCapacity):
		default:
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if admitted != 1 {
		t.Errorf("admitted %d rooms past a hard limit of 1", admitted)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("room count = %d, want 1", got)
	}
}

func TestSweep_HardLimitDeletesOldest(t *testing.T) {
	limits := testLimits()
	limits.HardLimit = 5
	r := NewRegistry(&fakeRenderer{}, limits)

	var rooms []*core.Room
	for i := 0; i < 7; i++ {
		rooms = append(rooms, mustCreate(t, r, CreateOpts{BypassCapacity: true}))
	}

	r.Sweep(context.Background(), time.Now())

	if got := r.Count(); got != 5 {
		t.Fatalf("room count = %d, want 5", got)
	}
	for i, room := range rooms {
		_, err := r.GetRoom(room.ID())
		if i < 2 && err == nil {
			t.Errorf("oldest room %d should be deleted", i)
		}
		if i >= 2 && err != nil {
			t.Errorf("room %d should survive: %v", i, err)
		}
	}
}

func TestSweep_SoftLimitGraceDelay(t *testing.T) {
	limits := testLimits()
	limits.SoftLimit = 3
	r := NewRegistry(&fakeRenderer{}, limits)

	var rooms []*core.Room
	for i := 0; i < 4; i++ {
		rooms = append(rooms, mustCreate(t, r, CreateOpts{}))
	}
	now := time.Now()

	r.Sweep(context.Background(), now)
	if got := r.Count(); got != 4 {
		t.Fatalf("soft limit must not delete immediately, count = %d", got)
	}
	if !rooms[0].PendingDelete() {
		t.Fatal("oldest room should be marked pendingDelete")
	}
	if rooms[1].PendingDelete() {
		t.Fatal("only the excess should be marked")
	}

	// repeated ticks are idempotent and the grace delay holds
	r.Sweep(context.Background(), now.Add(30*time.Second))
	if got := r.Count(); got != 4 {
		t.Fatalf("still inside grace, count = %d", got)
	}

	r.Sweep(context.Background(), now.Add(61*time.Second))
	if got := r.Count(); got != 3 {
		t.Fatalf("after grace, count = %d, want 3", got)
	}
	if _, err := r.GetRoom(rooms[0].ID()); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Error("marked room should be gone after the grace delay")
	}
}

func TestSweep_InactivityReaping(t *testing.T) {
	limits := testLimits()
	limits.InactivityTimeout = 5 * time.Minute
	r := NewRegistry(&fakeRenderer{}, limits)
	room := mustCreate(t, r, CreateOpts{})

	r.Sweep(context.Background(), time.Now().Add(4*time.Minute))
	if _, err := r.GetRoom(room.ID()); err != nil {
		t.Fatalf("room should survive under the timeout: %v", err)
	}

	r.Sweep(context.Background(), time.Now().Add(6*time.Minute))
	if _, err := r.GetRoom(room.ID()); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Error("inactive room should be reaped regardless of capacity")
	}
}

func TestSweep_ReapsStaleWhipInputKeepsRoom(t *testing.T) {
	r := NewRegistry(&fakeRenderer{}, testLimits())
	room := mustCreate(t, r, CreateOpts{})
	id, err := room.AddInput(core.InputSpec{Type: domain.InputWhip})
	if err != nil {
		t.Fatalf("AddInput: %v", err)
	}

	// never heartbeat; advance past the WHIP staleness TTL
	r.Sweep(context.Background(), time.Now().Add(time.Minute))

	if _, err := r.GetRoom(room.ID()); err != nil {
		t.Fatalf("room itself must survive: %v", err)
	}
	if room.HasInput(id) {
		t.Error("stale whip input should be reaped")
	}
	st := room.Snapshot()
	if len(st.Inputs) != 1 || st.Inputs[0].Type != domain.InputPlaceholder {
		t.Errorf("room should settle to placeholder-only, got %+v", st.Inputs)
	}
}

func TestRegistry_DeleteRoomNotFound(t *testing.T) {
	r := NewRegistry(&fakeRenderer{}, testLimits())
	if err := r.DeleteRoom(context.Background(), "nope"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Errorf("want ErrRoomNotFound, got %v", err)
	}
}

func TestRegistry_DeleteInvokesHooks(t *testing.T) {
	r := NewRegistry(&fakeRenderer{}, testLimits())
	var deleted []domain.RoomID
	r.OnRoomDeleted(func(id domain.RoomID) { deleted = append(deleted, id) })

	room := mustCreate(t, r, CreateOpts{})
	if err := r.DeleteRoom(context.Background(), room.ID()); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != room.ID() {
		t.Errorf("hook saw %v, want [%s]", deleted, room.ID())
	}
	// a second delete cannot observe the room
	if err := r.DeleteRoom(context.Background(), room.ID()); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Errorf("want ErrRoomNotFound, got %v", err)
	}
}
