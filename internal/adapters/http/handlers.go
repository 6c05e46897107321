package http

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/adapters/directory"
	"github.com/openmix/roomd/internal/app"
	"github.com/openmix/roomd/internal/config"
	"github.com/openmix/roomd/internal/core"
	"github.com/openmix/roomd/internal/domain"
)

const channelPollInterval = 30 * time.Second

type Handlers struct {
	cfg  *config.Config
	deps Deps
}

func NewHandlers(cfg *config.Config, deps Deps) *Handlers {
	return &Handlers{cfg: cfg, deps: deps}
}

type InputSpecRequest struct {
	Type        string  `json:"type" binding:"required"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Volume      float64 `json:"volume"`
	ChannelID   string  `json:"channelId"`
	Path        string  `json:"path"`
	URL         string  `json:"url"`
	Text        string  `json:"text"`
}

func (r InputSpecRequest) spec() core.InputSpec {
	return core.InputSpec{
		Type:        domain.InputType(r.Type),
		Title:       r.Title,
		Description: r.Description,
		Volume:      r.Volume,
		ChannelID:   r.ChannelID,
		Path:        r.Path,
		URL:         r.URL,
		Text:        r.Text,
	}
}

type CreateRoomRequest struct {
	Inputs         []InputSpecRequest `json:"inputs"`
	BypassCapacity bool               `json:"bypassCapacity"`
	Resolution     string             `json:"resolution"`
}

type CreateRoomResponse struct {
	RoomID     domain.RoomID     `json:"roomId"`
	OutputURL  string            `json:"outputUrl"`
	Resolution domain.Resolution `json:"resolution"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrInputNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateChannel):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInputType), errors.Is(err, domain.ErrInvalidLayout):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAtCapacity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (h *Handlers) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	specs := make([]core.InputSpec, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		specs = append(specs, in.spec())
	}
	room, err := h.deps.Registry.CreateRoom(c.Request.Context(), specs, app.CreateOpts{
		BypassCapacity: req.BypassCapacity,
		Resolution:     domain.Resolution(req.Resolution),
	})
	if err != nil {
		fail(c, err)
		return
	}
	st := room.Snapshot()
	for _, in := range st.Inputs {
		h.attachWatcher(room, in.ID, in.ChannelID)
	}
	c.JSON(http.StatusCreated, CreateRoomResponse{
		RoomID:     room.ID(),
		OutputURL:  st.OutputURL,
		Resolution: st.Resolution,
	})
}

// attachWatcher starts a directory poller for one polled-channel input so its
// cached metadata stays fresh. Scoped to a single input: pre-existing inputs
// already carry their own watcher.
func (h *Handlers) attachWatcher(room *core.Room, id domain.InputID, channelID string) {
	if h.deps.Directory == nil || channelID == "" {
		return
	}
	poller := directory.NewPoller(h.deps.Directory, channelID, channelPollInterval, func(meta core.ChannelMeta) {
		room.SetChannelMeta(id, meta)
	})
	poller.Start(context.Background())
	room.SetWatcher(id, poller)
}

type roomSummary struct {
	RoomID        domain.RoomID `json:"roomId"`
	OutputURL     string        `json:"outputUrl"`
	PendingDelete bool          `json:"pendingDelete"`
	CreatedAt     time.Time     `json:"createdAt"`
	Inputs        int           `json:"inputs"`
}

// ListRooms is the fleet-wide diagnostic view. It deliberately does not
// refresh any room's lastRead; only a room-scoped read counts as activity.
func (h *Handlers) ListRooms(c *gin.Context) {
	rooms := h.deps.Registry.Rooms()
	out := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomSummary{
			RoomID:        room.ID(),
			OutputURL:     room.OutputURL(),
			PendingDelete: room.PendingDelete(),
			CreatedAt:     room.CreatedAt(),
			Inputs:        room.InputCount(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (h *Handlers) GetRoom(c *gin.Context) {
	room, err := h.deps.Registry.GetRoom(domain.RoomID(c.Param("roomId")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

type MutateRoomRequest struct {
	Layout *string  `json:"layout"`
	Order  []string `json:"order"`
	Hidden *bool    `json:"hidden"`
}

func (h *Handlers) MutateRoom(c *gin.Context) {
	room, err := h.deps.Registry.GetRoom(domain.RoomID(c.Param("roomId")))
	if err != nil {
		fail(c, err)
		return
	}
	var req MutateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Layout != nil {
		if err := room.SetLayout(domain.Layout(*req.Layout)); err != nil {
			fail(c, err)
			return
		}
	}
	if len(req.Order) > 0 {
		order := make([]domain.InputID, 0, len(req.Order))
		for _, id := range req.Order {
			order = append(order, domain.InputID(id))
		}
		room.Reorder(order)
	}
	if req.Hidden != nil {
		room.SetHidden(*req.Hidden)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) DeleteRoom(c *gin.Context) {
	if err := h.deps.Registry.DeleteRoom(c.Request.Context(), domain.RoomID(c.Param("roomId"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) AddInput(c *gin.Context) {
	room, err := h.deps.Registry.GetRoom(domain.RoomID(c.Param("roomId")))
	if err != nil {
		fail(c, err)
		return
	}
	var req InputSpecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec := req.spec()
	id, err := room.AddInput(spec)
	if err != nil {
		fail(c, err)
		return
	}
	h.attachWatcher(room, id, spec.ChannelID)
	if !spec.Type.Instantaneous() {
		// connect failures surface to the caller; the input settles back to
		// disconnected either way
		if err := room.ConnectInput(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "inputId": id})
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"inputId": id})
}

type PatchInputRequest struct {
	Volume      *float64  `json:"volume"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Orientation *int      `json:"orientation"`
	Shaders     *[]string `json:"shaders"`
}

// PatchInput mutates presentation fields only; connection state is untouched.
func (h *Handlers) PatchInput(c *gin.Context) {
	room, err := h.deps.Registry.GetRoom(domain.RoomID(c.Param("roomId")))
	if err != nil {
		fail(c, err)
		return
	}
	var req PatchInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err = room.UpdateInput(domain.InputID(c.Param("inputId")), core.InputPatch{
		Volume:      req.Volume,
		Title:       req.Title,
		Description: req.Description,
		Orientation: req.Orientation,
		Shaders:     req.Shaders,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) RemoveInput(c *gin.Context) {
	room, err := h.deps.Registry.GetRoom(domain.RoomID(c.Param("roomId")))
	if err != nil {
		fail(c, err)
		return
	}
	if err := room.RemoveInput(c.Request.Context(), domain.InputID(c.Param("inputId"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// WhipOffer proxies a publisher's SDP offer to the renderer's ingest peer.
func (h *Handlers) WhipOffer(c *gin.Context) {
	if h.deps.Renderer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no renderer"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sdp offer"})
		return
	}
	answer, err := h.deps.Renderer.AnswerOffer(
		domain.RoomID(c.Param("roomId")),
		domain.InputID(c.Param("inputId")),
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(body)},
	)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusCreated, "application/sdp", []byte(answer.SDP))
}

func (h *Handlers) WhipAck(c *gin.Context) {
	room, err := h.deps.Registry.GetRoom(domain.RoomID(c.Param("roomId")))
	if err != nil {
		fail(c, err)
		return
	}
	if err := room.TouchInput(domain.InputID(c.Param("inputId"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type GameStateRequest struct {
	SourceID string   `json:"sourceId"`
	Seq      uint64   `json:"seq" binding:"required"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Cells    []string `json:"cells"`
}

type GameStateResponse struct {
	Status     string         `json:"status"`
	OutOfOrder bool           `json:"outOfOrder,omitempty"`
	Rerouted   bool           `json:"rerouted,omitempty"`
	RoomID     domain.RoomID  `json:"roomId,omitempty"`
	InputID    domain.InputID `json:"inputId,omitempty"`
	RoomURL    string         `json:"roomUrl,omitempty"`
}

// sourceIdentity derives the stable sender key: explicit id, then header,
// then a composite of network address and client signature. The fallback is
// a heuristic; senders sharing a NAT and a User-Agent merge into one source.
func sourceIdentity(c *gin.Context, explicit string) domain.SourceID {
	if explicit != "" {
		return domain.SourceID(explicit)
	}
	if hdr := c.GetHeader("X-Source-Id"); hdr != "" {
		return domain.SourceID(hdr)
	}
	h := fnv.New64a()
	h.Write([]byte(c.ClientIP()))
	h.Write([]byte{'|'})
	h.Write([]byte(c.Request.UserAgent()))
	return domain.SourceID(fmt.Sprintf("anon-%x", h.Sum64()))
}

func (h *Handlers) GameState(c *gin.Context) {
	h.handleGameState(c, "", "")
}

func (h *Handlers) GameStateScoped(c *gin.Context) {
	h.handleGameState(c, domain.RoomID(c.Param("roomId")), domain.InputID(c.Param("inputId")))
}

func (h *Handlers) handleGameState(c *gin.Context, roomID domain.RoomID, inputID domain.InputID) {
	var req GameStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src := sourceIdentity(c, req.SourceID)
	now := time.Now()

	seqRes := h.deps.Sources.EvaluateSequence(src, req.Seq, now)
	if !seqRes.Process {
		// stale/duplicate retransmission: idempotent no-op, distinguishable
		// from a failure
		if h.deps.Metrics != nil {
			h.deps.Metrics.IncPackets("ignored")
		}
		resp := GameStateResponse{Status: "ignored"}
		if route, ok := h.deps.Sources.RouteOf(src); ok {
			resp.RoomID, resp.InputID = route.Room, route.Input
			resp.RoomURL = h.roomURL(route.Room)
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	var target app.Target
	var err error
	if roomID != "" {
		target, err = h.deps.Sources.ResolveExplicit(c.Request.Context(), src, roomID, inputID, now)
	} else {
		target, err = h.deps.Sources.Resolve(c.Request.Context(), src)
	}
	if err != nil {
		fail(c, err)
		return
	}

	h.deps.Sources.EvaluateMovement(src, app.GamePayload{
		Width:  req.Width,
		Height: req.Height,
		Cells:  req.Cells,
	}, now)

	// every accepted state packet is an implicit liveness heartbeat
	if room, err := h.deps.Registry.GetRoom(target.Room); err == nil {
		_ = room.TouchInput(target.Input)
	}

	if h.deps.Metrics != nil {
		if seqRes.OutOfOrder {
			h.deps.Metrics.IncPackets("out_of_order")
		} else {
			h.deps.Metrics.IncPackets("accepted")
		}
		if target.Rerouted {
			h.deps.Metrics.IncReroutes()
		}
	}
	if seqRes.OutOfOrder {
		log.Warn().Str("module", "adapters.http").Str("source", string(src)).
			Uint64("seq", req.Seq).Msg("out of order packet accepted")
	}

	c.JSON(http.StatusOK, GameStateResponse{
		Status:     "ok",
		OutOfOrder: seqRes.OutOfOrder,
		Rerouted:   target.Rerouted,
		RoomID:     target.Room,
		InputID:    target.Input,
		RoomURL:    h.roomURL(target.Room),
	})
}

func (h *Handlers) roomURL(id domain.RoomID) string {
	return fmt.Sprintf("%s/room/%s", h.cfg.PublicBaseURL, id)
}
