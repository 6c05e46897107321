package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/core"
	"github.com/openmix/roomd/internal/domain"
)

// Limits is the registry's capacity and TTL policy. Soft-limit excess is
// marked and deleted after the grace delay; hard-limit excess goes
// immediately. Both rank rooms oldest-first by creation time.
type Limits struct {
	SoftLimit         int
	HardLimit         int
	GraceDelay        time.Duration
	InactivityTimeout time.Duration
	WhipStaleTTL      time.Duration
	SweepInterval     time.Duration
	DefaultResolution domain.Resolution
}

// Registry owns the room map and is the single entry point for room
// creation, lookup and deletion. A periodic sweep reaps stale WHIP inputs
// and inactive or over-capacity rooms.
type Registry struct {
	renderer core.Renderer
	limits   Limits
	sink     EventSink

	mu        sync.RWMutex
	rooms     map[domain.RoomID]*core.Room
	onDeleted []func(domain.RoomID)
}

func NewRegistry(renderer core.Renderer, limits Limits) *Registry {
	return &Registry{
		renderer: renderer,
		limits:   limits,
		rooms:    make(map[domain.RoomID]*core.Room),
	}
}

// SetEventSink installs the lifecycle event consumer. Call before serving.
func (r *Registry) SetEventSink(sink EventSink) { r.sink = sink }

// OnRoomDeleted registers a teardown hook (the source router releases its
// ownership records through this). Call before serving.
func (r *Registry) OnRoomDeleted(fn func(domain.RoomID)) {
	r.onDeleted = append(r.onDeleted, fn)
}

func (r *Registry) emit(e Event) {
	if r.sink != nil {
		r.sink(e)
	}
}

type CreateOpts struct {
	BypassCapacity bool
	Resolution     domain.Resolution
}

// CreateRoom allocates an output sink, constructs the room in a fully valid
// placeholder state and registers it. Initial inputs are connected by a
// separate tracked task so construction never has invisible in-flight work.
func (r *Registry) CreateRoom(ctx context.Context, specs []core.InputSpec, opts CreateOpts) (*core.Room, error) {
	if !opts.BypassCapacity && r.limits.HardLimit > 0 && r.Count() >= r.limits.HardLimit {
		return nil, domain.ErrAtCapacity
	}
	res := opts.Resolution
	if res == "" {
		res = r.limits.DefaultResolution
	}

	id := domain.RoomID(uuid.NewString())
	outputURL, err := r.renderer.RegisterOutput(ctx, id, res)
	if err != nil {
		return nil, err
	}

	room := core.NewRoom(id, r.renderer, res, outputURL)
	for _, spec := range specs {
		if _, err := room.AddInput(spec); err != nil {
			log.Error().Err(err).Str("module", "app.registry").Str("room", string(id)).
				Str("type", string(spec.Type)).Msg("initial input rejected")
		}
	}

	// re-check under the lock: concurrent creates may have filled the
	// remaining slots while the output sink was being allocated
	r.mu.Lock()
	if !opts.BypassCapacity && r.limits.HardLimit > 0 && len(r.rooms) >= r.limits.HardLimit {
		r.mu.Unlock()
		if err := r.renderer.UnregisterOutput(ctx, id); err != nil {
			log.Error().Err(err).Str("module", "app.registry").Str("room", string(id)).
				Msg("output release failed after admission loss")
		}
		return nil, domain.ErrAtCapacity
	}
	r.rooms[id] = room
	r.mu.Unlock()

	go func() {
		if err := room.ConnectInitialInputs(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Str("module", "app.registry").Str("room", string(id)).
				Msg("initial input connection incomplete")
		}
	}()

	log.Info().Str("module", "app.registry").Str("room", string(id)).
		Int("inputs", len(specs)).Msg("room created")
	r.emit(Event{Kind: EventRoomCreated, Room: id})
	return room, nil
}

func (r *Registry) GetRoom(id domain.RoomID) (*core.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) PendingDeleteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, room := range r.rooms {
		if room.PendingDelete() {
			n++
		}
	}
	return n
}

// Rooms returns a point-in-time slice of all rooms.
func (r *Registry) Rooms() []*core.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// DeleteRoom removes the room from the map first, so no new reader can
// observe it, then tears down its inputs and output sink best-effort.
func (r *Registry) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	return r.deleteRoom(ctx, id, "explicit")
}

func (r *Registry) deleteRoom(ctx context.Context, id domain.RoomID, reason string) error {
	r.mu.Lock()
	room, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, id)
	r.mu.Unlock()

	room.Teardown(ctx)
	for _, fn := range r.onDeleted {
		fn(id)
	}
	log.Info().Str("module", "app.registry").Str("room", string(id)).Str("reason", reason).Msg("room deleted")
	r.emit(Event{Kind: EventRoomDeleted, Room: id, Reason: reason})
	return nil
}

// Run drives the sweep loop until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.limits.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, time.Now())
		}
	}
}

// Sweep performs one reaping pass: stale WHIP inputs, due pending-deletes,
// inactive rooms, then capacity enforcement oldest-first.
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	rooms := r.Rooms()

	for _, room := range rooms {
		for _, id := range room.ReapStaleWhip(ctx, r.limits.WhipStaleTTL, now) {
			log.Info().Str("module", "app.registry").Str("room", string(room.ID())).
				Str("input", string(id)).Msg("stale whip input reaped")
			r.emit(Event{Kind: EventInputReaped, Room: room.ID(), Input: id})
		}
	}

	for _, room := range rooms {
		if room.DeleteDue(now) {
			_ = r.deleteRoom(ctx, room.ID(), "grace_elapsed")
			continue
		}
		if r.limits.InactivityTimeout > 0 && now.Sub(room.LastRead()) > r.limits.InactivityTimeout {
			_ = r.deleteRoom(ctx, room.ID(), "inactive")
		}
	}

	r.enforceCapacity(ctx, now)
}

func (r *Registry) enforceCapacity(ctx context.Context, now time.Time) {
	rooms := r.Rooms()
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt().Before(rooms[j].CreatedAt())
	})

	if r.limits.HardLimit > 0 && len(rooms) > r.limits.HardLimit {
		excess := rooms[:len(rooms)-r.limits.HardLimit]
		for _, room := range excess {
			_ = r.deleteRoom(ctx, room.ID(), "hard_limit")
		}
		rooms = rooms[len(excess):]
	}

	if r.limits.SoftLimit > 0 && len(rooms) > r.limits.SoftLimit {
		excess := rooms[:len(rooms)-r.limits.SoftLimit]
		for _, room := range excess {
			if room.MarkPendingDelete(now.Add(r.limits.GraceDelay)) {
				log.Info().Str("module", "app.registry").Str("room", string(room.ID())).
					Dur("grace", r.limits.GraceDelay).Msg("room marked for eviction")
				r.emit(Event{Kind: EventRoomMarked, Room: room.ID(), Reason: "soft_limit"})
			}
		}
	}
}
