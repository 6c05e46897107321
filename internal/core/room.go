package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/domain"
)

const (
	pendingSettleAttempts = 20
	pendingSettleDelay    = 50 * time.Millisecond
)

// Input is one source contributing to a room. All fields are guarded by the
// owning room's lock; the type-specific payload fields are set for exactly
// the kind named by Type.
type Input struct {
	ID     domain.InputID
	Type   domain.InputType
	status domain.InputStatus

	title       string
	description string
	volume      float64
	orientation int
	shaders     []string

	monitor     *LivenessMonitor // whip, game
	channelID   string           // twitch, youtube
	channelMeta *ChannelMeta
	watcher     ChannelWatcher

	path string // file
	url  string // image
	text string // text
}

// Room holds one compositing session: an ordered input list (z/priority order
// for the renderer), a connection state machine per input and the placeholder
// invariant — a room is never observably empty.
type Room struct {
	id       domain.RoomID
	renderer Renderer

	mu            sync.RWMutex
	createdAt     time.Time
	lastRead      time.Time
	pendingDelete bool
	deleteAfter   time.Time
	layout        domain.Layout
	resolution    domain.Resolution
	outputURL     string
	hidden        bool
	inputs        []*Input
}

func NewRoom(id domain.RoomID, renderer Renderer, res domain.Resolution, outputURL string) *Room {
	now := time.Now()
	r := &Room{
		id:         id,
		renderer:   renderer,
		createdAt:  now,
		lastRead:   now,
		layout:     domain.LayoutGrid,
		resolution: res,
		outputURL:  outputURL,
	}
	r.inputs = []*Input{newPlaceholder()}
	return r
}

func newPlaceholder() *Input {
	return &Input{
		ID:     domain.InputID(uuid.NewString()),
		Type:   domain.InputPlaceholder,
		status: domain.StatusConnected,
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) CreatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.createdAt
}

func (r *Room) LastRead() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRead
}

func (r *Room) PendingDelete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pendingDelete
}

// MarkPendingDelete schedules the room for soft-limit eviction. It reports
// whether the mark was newly set; already-marked rooms keep their original
// deadline so repeated sweep ticks stay idempotent.
func (r *Room) MarkPendingDelete(deleteAfter time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingDelete {
		return false
	}
	r.pendingDelete = true
	r.deleteAfter = deleteAfter
	return true
}

func (r *Room) DeleteDue(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pendingDelete && now.After(r.deleteAfter)
}

func (r *Room) OutputURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outputURL
}

// AddInput registers a new input, dropping the placeholder when a real input
// arrives. Duplicate polled-channel bindings are rejected before mutation.
func (r *Room) AddInput(spec InputSpec) (domain.InputID, error) {
	if !spec.Type.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidInputType, spec.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.ChannelID != "" {
		for _, in := range r.inputs {
			if in.channelID == spec.ChannelID && in.Type == spec.Type {
				return "", domain.ErrDuplicateChannel
			}
		}
	}

	r.dropPlaceholderLocked()

	in := &Input{
		ID:          domain.InputID(uuid.NewString()),
		Type:        spec.Type,
		status:      domain.StatusDisconnected,
		title:       spec.Title,
		description: spec.Description,
		volume:      spec.Volume,
	}
	switch spec.Type {
	case domain.InputWhip, domain.InputGame:
		in.monitor = NewLivenessMonitor()
	case domain.InputTwitch, domain.InputYoutube:
		in.channelID = spec.ChannelID
	case domain.InputFile:
		in.path = spec.Path
	case domain.InputImage:
		in.url = spec.URL
	case domain.InputText:
		in.text = spec.Text
	}
	if spec.Type.Instantaneous() {
		in.status = domain.StatusConnected
	}

	r.inputs = append(r.inputs, in)
	log.Info().Str("module", "core.room").Str("room", string(r.id)).
		Str("input", string(in.ID)).Str("type", string(in.Type)).Msg("input added")
	return in.ID, nil
}

func (r *Room) dropPlaceholderLocked() {
	kept := r.inputs[:0]
	for _, in := range r.inputs {
		if in.Type != domain.InputPlaceholder {
			kept = append(kept, in)
		}
	}
	r.inputs = kept
}

func (r *Room) realCountLocked() int {
	n := 0
	for _, in := range r.inputs {
		if in.Type != domain.InputPlaceholder {
			n++
		}
	}
	return n
}

func (r *Room) findLocked(id domain.InputID) *Input {
	for _, in := range r.inputs {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// ConnectInput drives disconnected -> pending -> connected, registering the
// stream with the renderer in between. A registration failure settles the
// input back to disconnected and is returned to the caller. Duplicate calls
// while pending or connected are no-ops.
func (r *Room) ConnectInput(ctx context.Context, id domain.InputID) error {
	r.mu.Lock()
	in := r.findLocked(id)
	if in == nil {
		r.mu.Unlock()
		return domain.ErrInputNotFound
	}
	if in.status != domain.StatusDisconnected {
		r.mu.Unlock()
		return nil
	}
	in.status = domain.StatusPending
	info := in.info()
	r.mu.Unlock()

	err := r.renderer.RegisterInput(ctx, r.id, info)

	r.mu.Lock()
	defer r.mu.Unlock()
	in = r.findLocked(id)
	if in == nil {
		// removed while we were registering; removal owns the cleanup
		return err
	}
	if err != nil {
		in.status = domain.StatusDisconnected
		return fmt.Errorf("register input %s: %w", id, err)
	}
	in.status = domain.StatusConnected
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("input", string(id)).Msg("input connected")
	return nil
}

// DisconnectInput always settles to disconnected, even when the renderer
// unregister fails; the failure is logged, not propagated, so the session
// model stays consistent.
func (r *Room) DisconnectInput(ctx context.Context, id domain.InputID) error {
	r.mu.Lock()
	in := r.findLocked(id)
	if in == nil {
		r.mu.Unlock()
		return domain.ErrInputNotFound
	}
	if in.status != domain.StatusConnected {
		r.mu.Unlock()
		return nil
	}
	in.status = domain.StatusPending
	r.mu.Unlock()

	if err := r.renderer.UnregisterInput(ctx, r.id, id); err != nil {
		log.Error().Err(err).Str("module", "core.room").Str("room", string(r.id)).
			Str("input", string(id)).Msg("unregister failed during disconnect")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if in = r.findLocked(id); in != nil {
		in.status = domain.StatusDisconnected
	}
	return nil
}

// RemoveInput deletes an input. When it is the last real input a placeholder
// is inserted first, so no empty-room frame is ever observable. A pending
// status is waited out with bounded polling before the unregister call.
func (r *Room) RemoveInput(ctx context.Context, id domain.InputID) error {
	r.mu.Lock()
	in := r.findLocked(id)
	if in == nil {
		r.mu.Unlock()
		return domain.ErrInputNotFound
	}
	if in.Type != domain.InputPlaceholder && r.realCountLocked() == 1 {
		r.inputs = append(r.inputs, newPlaceholder())
	}
	if in.watcher != nil {
		in.watcher.Stop()
		in.watcher = nil
	}
	r.mu.Unlock()

	for i := 0; i < pendingSettleAttempts; i++ {
		r.mu.RLock()
		in = r.findLocked(id)
		pending := in != nil && in.status == domain.StatusPending
		r.mu.RUnlock()
		if in == nil {
			return nil
		}
		if !pending {
			break
		}
		time.Sleep(pendingSettleDelay)
	}

	needsUnregister := false
	r.mu.Lock()
	if in = r.findLocked(id); in == nil {
		r.mu.Unlock()
		return nil
	}
	needsUnregister = in.status != domain.StatusDisconnected && !in.Type.Instantaneous()
	for i, cur := range r.inputs {
		if cur.ID == id {
			r.inputs = append(r.inputs[:i], r.inputs[i+1:]...)
			break
		}
	}
	if len(r.inputs) == 0 {
		r.inputs = []*Input{newPlaceholder()}
	}
	r.mu.Unlock()

	if needsUnregister {
		if err := r.renderer.UnregisterInput(ctx, r.id, id); err != nil {
			log.Error().Err(err).Str("module", "core.room").Str("room", string(r.id)).
				Str("input", string(id)).Msg("unregister failed during remove")
		}
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("input", string(id)).Msg("input removed")
	return nil
}

// Reorder applies a stable reorder: inputs named in order come first, in that
// order; anything not named keeps its prior relative order afterwards. Ids
// the room does not know are ignored, so a racing client cannot corrupt the
// list with a partial view.
func (r *Room) Reorder(order []domain.InputID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]*Input, 0, len(r.inputs))
	taken := make(map[domain.InputID]bool, len(order))
	for _, id := range order {
		if taken[id] {
			continue
		}
		if in := r.findLocked(id); in != nil {
			next = append(next, in)
			taken[id] = true
		}
	}
	for _, in := range r.inputs {
		if !taken[in.ID] {
			next = append(next, in)
		}
	}
	r.inputs = next
}

func (r *Room) SetLayout(l domain.Layout) error {
	if !l.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidLayout, l)
	}
	r.mu.Lock()
	r.layout = l
	r.mu.Unlock()
	return nil
}

func (r *Room) SetHidden(h bool) {
	r.mu.Lock()
	r.hidden = h
	r.mu.Unlock()
}

// UpdateInput mutates presentation fields independently of connection status.
func (r *Room) UpdateInput(id domain.InputID, patch InputPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.findLocked(id)
	if in == nil {
		return domain.ErrInputNotFound
	}
	if patch.Volume != nil {
		in.volume = *patch.Volume
	}
	if patch.Title != nil {
		in.title = *patch.Title
	}
	if patch.Description != nil {
		in.description = *patch.Description
	}
	if patch.Orientation != nil {
		in.orientation = *patch.Orientation
	}
	if patch.Shaders != nil {
		in.shaders = append([]string(nil), (*patch.Shaders)...)
	}
	return nil
}

// InputCount reports the number of inputs, placeholder included.
func (r *Room) InputCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inputs)
}

func (r *Room) HasInput(id domain.InputID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(id) != nil
}

// TouchInput records a liveness heartbeat for a push-style input.
func (r *Room) TouchInput(id domain.InputID) error {
	r.mu.RLock()
	in := r.findLocked(id)
	var mon *LivenessMonitor
	if in != nil {
		mon = in.monitor
	}
	r.mu.RUnlock()
	if in == nil {
		return domain.ErrInputNotFound
	}
	if mon != nil {
		mon.Touch()
	}
	return nil
}

// SetWatcher binds a directory watcher to an input, stopping any watcher it
// replaces so no orphaned poller keeps running.
func (r *Room) SetWatcher(id domain.InputID, w ChannelWatcher) {
	r.mu.Lock()
	var old ChannelWatcher
	if in := r.findLocked(id); in != nil {
		old = in.watcher
		in.watcher = w
	}
	r.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

func (r *Room) SetChannelMeta(id domain.InputID, meta ChannelMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in := r.findLocked(id); in != nil {
		m := meta
		in.channelMeta = &m
	}
}

// ReapStaleWhip removes push-stream inputs whose monitor lapsed the TTL and
// returns their ids. The removals run outside the room lock.
func (r *Room) ReapStaleWhip(ctx context.Context, ttl time.Duration, now time.Time) []domain.InputID {
	r.mu.RLock()
	var stale []domain.InputID
	for _, in := range r.inputs {
		if in.Type == domain.InputWhip && in.monitor != nil && !in.monitor.IsLive(ttl, now) {
			stale = append(stale, in.ID)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		if err := r.RemoveInput(ctx, id); err != nil {
			log.Error().Err(err).Str("module", "core.room").Str("room", string(r.id)).
				Str("input", string(id)).Msg("stale input removal failed")
		}
	}
	return stale
}

// ConnectInitialInputs connects every disconnected non-instantaneous input.
// Failures are logged per input; the first one is also returned so a tracking
// caller can tell the connect phase did not fully succeed.
func (r *Room) ConnectInitialInputs(ctx context.Context) error {
	r.mu.RLock()
	var ids []domain.InputID
	for _, in := range r.inputs {
		if in.status == domain.StatusDisconnected {
			ids = append(ids, in.ID)
		}
	}
	r.mu.RUnlock()

	var first error
	for _, id := range ids {
		if err := r.ConnectInput(ctx, id); err != nil {
			log.Error().Err(err).Str("module", "core.room").Str("room", string(r.id)).
				Str("input", string(id)).Msg("initial connect failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Teardown disconnects everything best-effort and releases the output sink.
// Individual failures are logged, never fatal to the deletion.
func (r *Room) Teardown(ctx context.Context) {
	r.mu.Lock()
	inputs := append([]*Input(nil), r.inputs...)
	r.inputs = []*Input{newPlaceholder()}
	r.mu.Unlock()

	for _, in := range inputs {
		if in.watcher != nil {
			in.watcher.Stop()
		}
		if in.Type.Instantaneous() || in.status == domain.StatusDisconnected {
			continue
		}
		if err := r.renderer.UnregisterInput(ctx, r.id, in.ID); err != nil {
			log.Error().Err(err).Str("module", "core.room").Str("room", string(r.id)).
				Str("input", string(in.ID)).Msg("unregister failed during teardown")
		}
	}
	if err := r.renderer.UnregisterOutput(ctx, r.id); err != nil {
		log.Error().Err(err).Str("module", "core.room").Str("room", string(r.id)).Msg("output unregister failed")
	}
}

// Snapshot returns the room state and refreshes lastRead; reads are the
// inactivity signal the sweep loop watches.
func (r *Room) Snapshot() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRead = time.Now()

	st := RoomState{
		ID:            r.id,
		Layout:        r.layout,
		Resolution:    r.resolution,
		OutputURL:     r.outputURL,
		Hidden:        r.hidden,
		PendingDelete: r.pendingDelete,
		CreatedAt:     r.createdAt,
		Inputs:        make([]InputState, 0, len(r.inputs)),
	}
	for _, in := range r.inputs {
		is := InputState{
			ID:          in.ID,
			Type:        in.Type,
			Status:      in.status,
			Title:       in.title,
			Description: in.description,
			Volume:      in.volume,
			Orientation: in.orientation,
			ChannelID:   in.channelID,
			Channel:     in.channelMeta,
		}
		if len(in.shaders) > 0 {
			is.Shaders = append([]string(nil), in.shaders...)
		}
		if in.monitor != nil {
			ack := in.monitor.LastAck()
			is.LastAck = &ack
		}
		st.Inputs = append(st.Inputs, is)
	}
	return st
}

func (in *Input) info() InputInfo {
	return InputInfo{
		ID:        in.ID,
		Type:      in.Type,
		ChannelID: in.channelID,
		Path:      in.path,
		URL:       in.url,
		Text:      in.text,
	}
}
