package app

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/core"
	"github.com/openmix/roomd/internal/domain"
)

// SeqResult is the verdict on one telemetry packet's sequence number.
type SeqResult struct {
	// Process is false for stale/duplicate retransmissions, which must be
	// dropped without any state mutation.
	Process    bool
	OutOfOrder bool
	// Restart marks seq==1 from a source with prior history: a fresh logical
	// run that keeps its routed slot.
	Restart bool
}

// Target is the (room, input) slot a source's packets are applied to.
type Target struct {
	Room     domain.RoomID
	Input    domain.InputID
	Rerouted bool
}

type slotKey struct {
	Room  domain.RoomID
	Input domain.InputID
}

// sourceTrack is per-source sequencing state, created lazily on first packet.
type sourceTrack struct {
	hasSeq     bool
	lastSeq    uint64
	lastSeenAt time.Time
	hasSig     bool
	lastSig    uint64
	lastMoveAt time.Time
}

type inflightCreate struct {
	done chan struct{}
	slot slotKey
	err  error
}

// SourceRouter multiplexes independent telemetry senders onto dedicated
// (room, input) slots. It resolves ownership conflicts by rerouting the
// colliding sender to a new room, never by overwriting the owner, and drops
// duplicate/stale packets via per-source monotonic sequence numbers.
type SourceRouter struct {
	registry *Registry
	timeout  time.Duration
	idle     IdlePolicy
	sink     EventSink

	mu       sync.Mutex
	routes   map[domain.SourceID]slotKey
	owners   map[slotKey]domain.SourceID
	tracks   map[domain.SourceID]*sourceTrack
	inflight map[domain.SourceID]*inflightCreate
}

func NewSourceRouter(registry *Registry, timeout time.Duration, idle IdlePolicy) *SourceRouter {
	sr := &SourceRouter{
		registry: registry,
		timeout:  timeout,
		idle:     idle,
		routes:   make(map[domain.SourceID]slotKey),
		owners:   make(map[slotKey]domain.SourceID),
		tracks:   make(map[domain.SourceID]*sourceTrack),
		inflight: make(map[domain.SourceID]*inflightCreate),
	}
	registry.OnRoomDeleted(sr.ReleaseRoom)
	return sr
}

func (sr *SourceRouter) SetEventSink(sink EventSink) { sr.sink = sink }

func (sr *SourceRouter) emit(e Event) {
	if sr.sink != nil {
		sr.sink(e)
	}
}

// EvaluateSequence applies the per-source sequence protocol. A source silent
// for longer than the timeout has its sequencing state reset but keeps its
// routed slot, so a resumed sender continues in the same room.
func (sr *SourceRouter) EvaluateSequence(src domain.SourceID, seq uint64, now time.Time) SeqResult {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	tr := sr.tracks[src]
	if tr == nil {
		tr = &sourceTrack{}
		sr.tracks[src] = tr
	}
	if tr.hasSeq && now.Sub(tr.lastSeenAt) > sr.timeout {
		tr.hasSeq = false
		tr.hasSig = false
		tr.lastMoveAt = time.Time{}
		log.Debug().Str("module", "app.router").Str("source", string(src)).Msg("source idle, sequencing reset")
	}
	tr.lastSeenAt = now

	switch {
	case seq == 1:
		// "play again": same sender, fresh run, same room
		restart := tr.hasSeq
		tr.hasSeq = true
		tr.lastSeq = 1
		tr.hasSig = false
		tr.lastMoveAt = now
		return SeqResult{Process: true, Restart: restart}
	case !tr.hasSeq:
		// first packet ever seen, but the sender skipped seq 1
		tr.hasSeq = true
		tr.lastSeq = seq
		return SeqResult{Process: true, OutOfOrder: true}
	case seq <= tr.lastSeq:
		return SeqResult{}
	case seq > tr.lastSeq+1:
		tr.lastSeq = seq
		return SeqResult{Process: true, OutOfOrder: true}
	default:
		tr.lastSeq = seq
		return SeqResult{Process: true}
	}
}

// ResolveExplicit arbitrates a packet that names its slot. An unowned slot
// (or one already owned by src) is claimed directly. A slot owned by a live,
// still-routed other source is a genuine conflict: src is rerouted to a brand
// new dedicated room instead of overwriting the owner. A stale owner loses
// the slot cleanly.
func (sr *SourceRouter) ResolveExplicit(ctx context.Context, src domain.SourceID, roomID domain.RoomID, inputID domain.InputID, now time.Time) (Target, error) {
	room, err := sr.registry.GetRoom(roomID)
	if err != nil {
		return Target{}, err
	}
	if !room.HasInput(inputID) {
		return Target{}, domain.ErrInputNotFound
	}

	key := slotKey{Room: roomID, Input: inputID}
	sr.mu.Lock()
	owner, owned := sr.owners[key]
	if !owned || owner == src {
		sr.owners[key] = src
		sr.routes[src] = key
		sr.mu.Unlock()
		return Target{Room: roomID, Input: inputID}, nil
	}

	ownerRoute, routed := sr.routes[owner]
	ownerLive := false
	if tr := sr.tracks[owner]; tr != nil && !tr.lastSeenAt.IsZero() {
		ownerLive = now.Sub(tr.lastSeenAt) <= sr.timeout
	}
	if routed && ownerRoute == key && ownerLive {
		sr.mu.Unlock()
		log.Info().Str("module", "app.router").Str("source", string(src)).
			Str("owner", string(owner)).Str("room", string(roomID)).
			Str("input", string(inputID)).Msg("slot owned by live source, rerouting")
		return sr.createDedicated(ctx, src, true)
	}

	// owner's route is gone or owner timed out: take over
	if routed && ownerRoute == key {
		delete(sr.routes, owner)
	}
	sr.owners[key] = src
	sr.routes[src] = key
	sr.mu.Unlock()
	log.Info().Str("module", "app.router").Str("source", string(src)).
		Str("previous", string(owner)).Str("room", string(roomID)).Msg("stale slot taken over")
	return Target{Room: roomID, Input: inputID}, nil
}

// Resolve handles the global (unscoped) ingestion endpoint: reuse the
// source's routed slot when it still exists and is still its own, otherwise
// create a new dedicated room. Creation is single-flight per source so slow
// concurrent packets never spawn duplicate rooms.
func (sr *SourceRouter) Resolve(ctx context.Context, src domain.SourceID) (Target, error) {
	sr.mu.Lock()
	if key, ok := sr.routes[src]; ok {
		valid := false
		if room, err := sr.registry.GetRoom(key.Room); err == nil && room.HasInput(key.Input) {
			valid = true
		}
		if valid && sr.owners[key] == src {
			sr.mu.Unlock()
			return Target{Room: key.Room, Input: key.Input}, nil
		}
		// slot vanished, or a race handed it to someone else: start over
		delete(sr.routes, src)
		if sr.owners[key] == src {
			delete(sr.owners, key)
		}
	}
	return sr.createDedicatedLocked(ctx, src, false)
}

func (sr *SourceRouter) createDedicated(ctx context.Context, src domain.SourceID, rerouted bool) (Target, error) {
	sr.mu.Lock()
	return sr.createDedicatedLocked(ctx, src, rerouted)
}

// createDedicatedLocked is entered with sr.mu held and releases it. The
// in-flight marker is registered before the blocking create, so concurrent
// callers for the same source await the same outcome.
func (sr *SourceRouter) createDedicatedLocked(ctx context.Context, src domain.SourceID, rerouted bool) (Target, error) {
	if fl := sr.inflight[src]; fl != nil {
		sr.mu.Unlock()
		<-fl.done
		if fl.err != nil {
			return Target{}, fl.err
		}
		return Target{Room: fl.slot.Room, Input: fl.slot.Input, Rerouted: rerouted}, nil
	}
	fl := &inflightCreate{done: make(chan struct{})}
	sr.inflight[src] = fl
	sr.mu.Unlock()

	var key slotKey
	room, err := sr.registry.CreateRoom(ctx, nil, CreateOpts{})
	if err == nil {
		var inputID domain.InputID
		inputID, err = room.AddInput(core.InputSpec{Type: domain.InputGame, Title: "Game"})
		if err == nil {
			key = slotKey{Room: room.ID(), Input: inputID}
			// telemetry keeps flowing either way; a failed connect settles
			// the input back to disconnected
			if cerr := room.ConnectInput(ctx, inputID); cerr != nil {
				log.Error().Err(cerr).Str("module", "app.router").
					Str("room", string(key.Room)).Msg("game input connect failed")
			}
		}
	}

	sr.mu.Lock()
	delete(sr.inflight, src)
	if err == nil {
		sr.owners[key] = src
		sr.routes[src] = key
	}
	fl.slot, fl.err = key, err
	close(fl.done)
	sr.mu.Unlock()

	if err != nil {
		return Target{}, err
	}
	log.Info().Str("module", "app.router").Str("source", string(src)).
		Str("room", string(key.Room)).Bool("rerouted", rerouted).Msg("dedicated room created")
	if rerouted {
		sr.emit(Event{Kind: EventSourceReroute, Room: key.Room, Input: key.Input, Source: src})
	}
	return Target{Room: key.Room, Input: key.Input, Rerouted: rerouted}, nil
}

// RouteOf reports the slot a source last wrote to, if any.
func (sr *SourceRouter) RouteOf(src domain.SourceID) (Target, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	key, ok := sr.routes[src]
	if !ok {
		return Target{}, false
	}
	return Target{Room: key.Room, Input: key.Input}, true
}

// ReleaseRoom tears down ownership and sequencing records for every source
// routed into a deleted room.
func (sr *SourceRouter) ReleaseRoom(roomID domain.RoomID) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for key, src := range sr.owners {
		if key.Room != roomID {
			continue
		}
		delete(sr.owners, key)
		if sr.routes[src] == key {
			delete(sr.routes, src)
			delete(sr.tracks, src)
		}
	}
}

// GamePayload is one telemetry state snapshot's content, used only for the
// movement signature.
type GamePayload struct {
	Width  int
	Height int
	Cells  []string
}

func (p GamePayload) signature() uint64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.Itoa(p.Width)))
	h.Write([]byte{'x'})
	h.Write([]byte(strconv.Itoa(p.Height)))
	cells := append([]string(nil), p.Cells...)
	sort.Strings(cells)
	for _, c := range cells {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	return h.Sum64()
}

// EvaluateMovement compares the payload's canonical signature against the
// previous one and returns how long the source has been idle. The idle
// policy decides whether anything happens with that number; the default
// keeps rooms sticky.
func (sr *SourceRouter) EvaluateMovement(src domain.SourceID, p GamePayload, now time.Time) time.Duration {
	sig := p.signature()

	sr.mu.Lock()
	tr := sr.tracks[src]
	if tr == nil {
		tr = &sourceTrack{}
		sr.tracks[src] = tr
	}
	if !tr.hasSig || tr.lastSig != sig {
		tr.hasSig = true
		tr.lastSig = sig
		tr.lastMoveAt = now
		sr.mu.Unlock()
		return 0
	}
	if tr.lastMoveAt.IsZero() {
		tr.lastMoveAt = now
	}
	idle := now.Sub(tr.lastMoveAt)
	route, routed := sr.routes[src]
	sr.mu.Unlock()

	if idle > 0 {
		log.Debug().Str("module", "app.router").Str("source", string(src)).
			Dur("idle", idle).Msg("no movement")
	}
	if routed && sr.idle != nil && sr.idle.OnIdle(src, idle) == IdleEvict {
		if err := sr.registry.DeleteRoom(context.Background(), route.Room); err != nil {
			log.Error().Err(err).Str("module", "app.router").Str("room", string(route.Room)).Msg("idle eviction failed")
		}
	}
	return idle
}
