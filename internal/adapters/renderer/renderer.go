// Package renderer implements the compositing engine collaborator. WHIP
// inputs get a pion PeerConnection whose track activity is reported as
// media-flow events; everything else is registration bookkeeping against the
// engine's output sinks.
package renderer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/core"
	"github.com/openmix/roomd/internal/domain"
)

type inputKey struct {
	Room  domain.RoomID
	Input domain.InputID
}

type Renderer struct {
	baseURL string

	mu      sync.Mutex
	outputs map[domain.RoomID]string
	inputs  map[inputKey]core.InputInfo
	peers   map[inputKey]*webrtc.PeerConnection

	events chan core.MediaEvent
}

func New(baseURL string) *Renderer {
	return &Renderer{
		baseURL: baseURL,
		outputs: make(map[domain.RoomID]string),
		inputs:  make(map[inputKey]core.InputInfo),
		peers:   make(map[inputKey]*webrtc.PeerConnection),
		events:  make(chan core.MediaEvent, 64),
	}
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Events reports media flowing on WHIP inputs. Consumers drain it to
// opportunistically touch liveness monitors.
func (r *Renderer) Events() <-chan core.MediaEvent { return r.events }

func (r *Renderer) RegisterOutput(_ context.Context, room domain.RoomID, res domain.Resolution) (string, error) {
	url := fmt.Sprintf("%s/whep/%s", r.baseURL, room)
	r.mu.Lock()
	r.outputs[room] = url
	r.mu.Unlock()
	log.Info().Str("module", "renderer").Str("room", string(room)).
		Str("resolution", string(res)).Str("url", url).Msg("output registered")
	return url, nil
}

func (r *Renderer) UnregisterOutput(_ context.Context, room domain.RoomID) error {
	r.mu.Lock()
	delete(r.outputs, room)
	r.mu.Unlock()
	log.Info().Str("module", "renderer").Str("room", string(room)).Msg("output unregistered")
	return nil
}

func (r *Renderer) RegisterInput(_ context.Context, room domain.RoomID, in core.InputInfo) error {
	key := inputKey{Room: room, Input: in.ID}

	if in.Type == domain.InputWhip {
		pc, err := webrtc.NewPeerConnection(DefaultWebRTCConfig())
		if err != nil {
			return fmt.Errorf("peer connection for %s: %w", in.ID, err)
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Debug().Str("module", "renderer").Str("room", string(room)).
				Str("input", string(in.ID)).Str("kind", track.Kind().String()).Msg("track active")
			r.publish(core.MediaEvent{Room: room, Input: in.ID})
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			log.Info().Str("module", "renderer").Str("room", string(room)).
				Str("input", string(in.ID)).Str("state", s.String()).Msg("peer state")
		})
		r.mu.Lock()
		r.peers[key] = pc
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.inputs[key] = in
	r.mu.Unlock()
	log.Info().Str("module", "renderer").Str("room", string(room)).
		Str("input", string(in.ID)).Str("type", string(in.Type)).Msg("input registered")
	return nil
}

func (r *Renderer) UnregisterInput(_ context.Context, room domain.RoomID, id domain.InputID) error {
	key := inputKey{Room: room, Input: id}
	r.mu.Lock()
	pc := r.peers[key]
	delete(r.peers, key)
	delete(r.inputs, key)
	r.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "renderer").Str("input", string(id)).Msg("peer close error")
		}
	}
	log.Info().Str("module", "renderer").Str("room", string(room)).Str("input", string(id)).Msg("input unregistered")
	return nil
}

// AnswerOffer applies a publisher's WHIP SDP offer to that input's peer
// connection and returns the answer after ICE gathering completes.
func (r *Renderer) AnswerOffer(room domain.RoomID, id domain.InputID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	r.mu.Lock()
	pc := r.peers[inputKey{Room: room, Input: id}]
	r.mu.Unlock()
	if pc == nil {
		return nil, domain.ErrInputNotFound
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return pc.LocalDescription(), nil
}

func (r *Renderer) publish(e core.MediaEvent) {
	select {
	case r.events <- e:
	default:
		// a full buffer only delays a liveness touch; drop
	}
}
