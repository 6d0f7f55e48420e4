package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/collab"
	"github.com/MarcoPoloResearchLab/livery/internal/realtime"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Layer payloads carry decal paths, so frames are larger than chat-sized messages.
	maxFrameSize = 64 * 1024

	framesPerSecond = 20
	frameBurst      = 30

	replyBuffer = 16

	opLive = "server.live"
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	anyOrigin := allowAnyOrigin(allowedOrigins)
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if anyOrigin {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// handleLive joins the caller to the scheme's live session. With last_seq it resumes a
// previous session by replaying what was missed, or asks the client to resync.
func (h *httpHandler) handleLive(c *gin.Context) {
	identity := identityFrom(c)
	schemeID := c.Param("id")
	connectionID := uuid.NewString()

	var (
		session  *realtime.Session
		greeting OutboundFrame
	)
	if raw := c.Query("last_seq"); raw != "" {
		lastKnown, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || lastKnown < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": "invalid_last_seq"})
			return
		}
		reconnected, err := h.engine.Reconnect(c.Request.Context(), identity, connectionID, schemeID, lastKnown)
		if err != nil {
			h.respondError(c, err)
			return
		}
		session = reconnected.Session
		greeting = OutboundFrame{
			Type:      FrameResumed,
			SessionID: session.ID(),
			SchemeID:  schemeID,
			Sequence:  reconnected.Sequence,
			Replayed:  reconnected.Replayed,
		}
	} else {
		joined, err := h.engine.JoinSchemeSession(c.Request.Context(), identity, connectionID, schemeID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		session = joined.Session
		greeting = stateFrame(session, joined.State, "")
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.engine.CloseSession(session)
		h.logger.Warn("live upgrade failed",
			zap.String("scheme_id", schemeID),
			zap.String("session_id", session.ID()),
			zap.Error(err))
		return
	}

	client := newLiveClient(h.engine, h.logger, conn, identity, session)
	go client.writePump(h.shutdown, greeting)
	go client.readPump()
}

// liveClient pumps frames between one websocket and one realtime session. Only writePump
// writes to the connection.
type liveClient struct {
	engine   *collab.Engine
	logger   *zap.Logger
	conn     *websocket.Conn
	identity auth.Identity
	session  *realtime.Session
	replies  chan OutboundFrame
	resyncs  chan string
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	floor    int64
}

func newLiveClient(engine *collab.Engine, logger *zap.Logger, conn *websocket.Conn, identity auth.Identity, session *realtime.Session) *liveClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &liveClient{
		engine:   engine,
		logger:   logger,
		conn:     conn,
		identity: identity,
		session:  session,
		replies:  make(chan OutboundFrame, replyBuffer),
		resyncs:  make(chan string, 1),
		limiter:  rate.NewLimiter(rate.Limit(framesPerSecond), frameBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *liveClient) readPump() {
	defer func() {
		c.cancel()
		c.engine.CloseSession(c.session)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_, _ = c.engine.Heartbeat(c.identity, c.session.ID())
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("live connection closed", zap.String("session_id", c.session.ID()), zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.logger.Warn("live frame rate exceeded",
				zap.String("session_id", c.session.ID()),
				zap.String("user_id", c.identity.UserID))
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.reply(rejectedFrame("", apperrors.Wrap(apperrors.KindInvalid, opLive, "malformed_frame", err)))
			continue
		}
		if !c.dispatch(frame) {
			return
		}
	}
}

// dispatch handles one client frame and reports whether the connection stays open.
func (c *liveClient) dispatch(frame InboundFrame) bool {
	switch frame.Type {
	case FrameHeartbeat:
		result, err := c.engine.Heartbeat(c.identity, c.session.ID())
		if err != nil {
			return false
		}
		if result.ResyncRequired {
			c.reply(OutboundFrame{Type: FrameResyncRequired, RequestID: frame.RequestID, SchemeID: c.session.SchemeID()})
		}
		return true
	case FrameResync:
		select {
		case c.resyncs <- frame.RequestID:
		case <-c.ctx.Done():
			return false
		}
		return true
	default:
		applied, err := c.mutate(frame)
		if err != nil {
			c.reply(rejectedFrame(frame.RequestID, err))
			return true
		}
		c.reply(ackFrame(frame.RequestID, applied.Event, applied.Sequence))
		return true
	}
}

func (c *liveClient) mutate(frame InboundFrame) (collab.Applied, error) {
	sessionID := c.session.ID()
	schemeID := c.session.SchemeID()
	switch frame.Type {
	case FrameLayerCreate:
		var request schemes.NewLayer
		if err := decodeFrameData(opLive, frame.Data, &request); err != nil {
			return collab.Applied{}, err
		}
		return c.engine.RequestLayerCreate(c.ctx, c.identity, sessionID, schemeID, request)
	case FrameLayerUpdate:
		var patch schemes.LayerPatch
		if err := decodeFrameData(opLive, frame.Data, &patch); err != nil {
			return collab.Applied{}, err
		}
		patch.SchemeID = schemeID
		return c.engine.RequestLayerMutation(c.ctx, c.identity, sessionID, frame.LayerID, patch)
	case FrameLayerDelete:
		return c.engine.RequestLayerDelete(c.ctx, c.identity, sessionID, schemeID, frame.LayerID)
	case FrameLayerReorder:
		var request reorderPayload
		if err := decodeFrameData(opLive, frame.Data, &request); err != nil {
			return collab.Applied{}, err
		}
		return c.engine.RequestLayerReorder(c.ctx, c.identity, sessionID, schemeID, request.Order)
	case FrameSchemeUpdate:
		var patch schemes.SchemePatch
		if err := decodeFrameData(opLive, frame.Data, &patch); err != nil {
			return collab.Applied{}, err
		}
		return c.engine.RequestSchemeMutation(c.ctx, c.identity, sessionID, schemeID, patch)
	default:
		return collab.Applied{}, apperrors.New(apperrors.KindInvalid, opLive, "unknown_frame")
	}
}

func (c *liveClient) reply(frame OutboundFrame) {
	select {
	case c.replies <- frame:
	case <-c.ctx.Done():
	}
}

func (c *liveClient) writePump(shutdown context.Context, greeting OutboundFrame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	if !c.write(greeting) {
		return
	}
	for {
		select {
		case message := <-c.session.Outbound():
			if !c.writeMessage(message) {
				return
			}
		case frame := <-c.replies:
			if !c.write(frame) {
				return
			}
		case requestID := <-c.resyncs:
			if !c.resync(requestID) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.session.Done():
			c.flush()
			c.closeWith(websocket.CloseNormalClosure, "session closed")
			return
		case <-shutdown.Done():
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// resync writes a fresh state frame. Events at or below its sequence still queued on the
// session are skipped afterwards.
func (c *liveClient) resync(requestID string) bool {
	state, err := c.engine.Resync(c.ctx, c.identity, c.session.ID())
	if err != nil {
		return c.write(rejectedFrame(requestID, err))
	}
	c.floor = state.Sequence
	return c.write(stateFrame(c.session, state, requestID))
}

func (c *liveClient) writeMessage(message realtime.Message) bool {
	switch message.Kind {
	case realtime.MessageEvent:
		if message.Event != nil && message.Event.Sequence <= c.floor {
			return true
		}
	case realtime.MessageResyncRequired:
		if !c.session.NeedsResync() {
			return true
		}
	}
	frame, ok := messageFrame(message)
	if !ok {
		return true
	}
	if !c.write(frame) {
		return false
	}
	if message.Kind == realtime.MessageEvent {
		c.floor = message.Event.Sequence
	}
	if message.Kind == realtime.MessageEvicted {
		c.closeWith(websocket.CloseNormalClosure, message.Reason)
		return false
	}
	return true
}

// flush writes what a closed session still had queued, which includes its eviction notice.
func (c *liveClient) flush() {
	for {
		select {
		case message := <-c.session.Outbound():
			if !c.writeMessage(message) {
				return
			}
		default:
			return
		}
	}
}

func (c *liveClient) write(frame OutboundFrame) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.logger.Debug("live write failed", zap.String("session_id", c.session.ID()), zap.Error(err))
		return false
	}
	return true
}

func (c *liveClient) closeWith(code int, reason string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
