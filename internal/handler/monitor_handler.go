package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/monitor"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const (
	keepAliveInterval = 30 * time.Second
	snapshotTimeout   = 5 * time.Second // a slow store must not stall the stream
)

// MonitorHandler streams live session events to teachers and admins.
type MonitorHandler struct {
	hub      *monitor.Hub
	monitor  *service.MonitorService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewMonitorHandler(
	hub *monitor.Hub,
	monitorService *service.MonitorService,
	log zerolog.Logger,
	allowedOrigins []string,
) *MonitorHandler {
	return &MonitorHandler{
		hub:      hub,
		monitor:  monitorService,
		log:      log.With().Str("component", "monitor_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// snapshot is the state a monitor starts from before live events arrive.
type snapshot struct {
	ExamID     string                    `json:"examId,omitempty"`
	Sessions   []model.MonitoringData    `json:"sessions"`
	Statistics *model.ProgressStatistics `json:"statistics,omitempty"`
	ServerTime time.Time                 `json:"serverTime"`
}

func (h *MonitorHandler) snapshot(ctx context.Context, orgID, examID string) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	sessions, err := h.monitor.ListActiveSessions(ctx, orgID, examID)
	if err != nil {
		return nil, err
	}
	out := &snapshot{ExamID: examID, Sessions: sessions, ServerTime: time.Now().UTC()}
	if examID != "" {
		if out.Statistics, err = h.monitor.ProgressStatistics(ctx, orgID, examID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type evictionNotice struct {
	Type   model.MonitorEventType `json:"type"`
	Reason string                 `json:"reason"`
}

// ─── SSE ────────────────────────────────────────────────────────────

// MonitorExamSSE godoc
// GET /api/v1/monitor/exams/:id/stream
// Streams a snapshot followed by every accepted event of the exam.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID := c.Param("id")
	if examID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	org := claims.OrganizationID
	reqCtx := c.Request.Context()

	// Subscribe before the snapshot so nothing between the two is lost.
	observerID := "sse:" + uuid.NewString()
	obs, err := h.hub.Subscribe(org, examID, observerID)
	if err != nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
		return
	}
	defer h.hub.Unsubscribe(obs)

	snap, err := h.snapshot(reqCtx, org, examID)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("message", gin.H{"type": model.MonitorSnapshot, "data": snap})
	c.Writer.Flush()

	log := h.log.With().Str("exam_id", examID).Str("observer_id", observerID).Logger()
	log.Info().Msg("Monitor attached to exam stream")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Monitor detached from exam stream")
			return

		case ev, ok := <-obs.Events():
			if !ok {
				payload, _ := json.Marshal(evictionNotice{Type: "monitoring_evicted", Reason: obs.Reason()})
				writeSSEData(c, payload)
				log.Warn().Str("reason", obs.Reason()).Msg("Monitor evicted from exam stream")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode monitor event")
				continue
			}
			writeSSEData(c, payload)

		case <-keepAlive.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

// ─── WebSocket ──────────────────────────────────────────────────────

// monitorConn is one monitor WebSocket. It holds at most one hub
// subscription at a time.
type monitorConn struct {
	*wsConn
	h      *MonitorHandler
	claims *service.Claims
	id     string

	mu  sync.Mutex
	obs *monitor.Observer
}

// MonitorWebSocket godoc
// WS /ws/v1/monitor
func (h *MonitorHandler) MonitorWebSocket(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id := "ws:" + uuid.NewString()
	log := h.log.With().Str("user_id", claims.UserID).Str("observer_id", id).Logger()
	mc := &monitorConn{wsConn: newWSConn(conn, log), h: h, claims: claims, id: id}

	log.Info().Msg("Monitor connected")
	go mc.writePump()
	mc.readLoop()

	mc.leave()
	mc.shutdown()
	log.Info().Msg("Monitor disconnected")
}

func (mc *monitorConn) readLoop() {
	ws.Prepare(mc.conn)
	for {
		var msg ws.RequestEnvelope
		if err := ws.ReadJSON(mc.conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				mc.log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		switch msg.Action {
		case ws.ActionPing:
			mc.push(ws.PongResponse{Event: ws.EventPong})
		case ws.ActionJoinMonitoring:
			mc.join(msg.Data)
		case ws.ActionLeaveMonitoring:
			mc.leave()
			mc.push(ws.Message{Event: ws.EventMonitoringLeft})
		default:
			mc.push(ws.ErrorResponse{
				Event: ws.EventExamError,
				Code:  string(response.ErrUnknownAction),
				Error: "unknown action: " + string(msg.Action),
			})
		}
	}
}

func (mc *monitorConn) join(data json.RawMessage) {
	var req ws.JoinMonitoringRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			mc.push(ws.ErrorResponse{
				Event: ws.EventExamError,
				Code:  string(response.ErrInvalidPayload),
				Error: response.GetMessage(response.ErrInvalidPayload),
			})
			return
		}
	}
	if fields := validator.Struct(&req); fields != nil {
		mc.push(ws.ErrorResponse{
			Event: ws.EventExamError,
			Code:  string(response.ErrValidation),
			Error: fields["examId"],
		})
		return
	}

	mc.leave()
	org := mc.claims.OrganizationID
	obs, err := mc.h.hub.Subscribe(org, req.ExamID, mc.id)
	if err != nil {
		mc.push(wsFailure(err, audienceStaff))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	snap, err := mc.h.snapshot(ctx, org, req.ExamID)
	cancel()
	if err != nil {
		mc.h.hub.Unsubscribe(obs)
		mc.push(wsFailure(err, audienceStaff))
		return
	}

	mc.mu.Lock()
	mc.obs = obs
	mc.mu.Unlock()

	mc.push(ws.Message{Event: ws.EventMonitoringJoined, Data: gin.H{"examId": req.ExamID}})
	mc.push(ws.Message{Event: ws.EventSnapshot, Data: snap})
	go mc.pump(obs)
	mc.log.Info().Str("exam_id", req.ExamID).Msg("Monitoring joined")
}

// pump forwards hub events until the observer closes. Eviction by the hub
// is reported to the client; a voluntary leave is not.
func (mc *monitorConn) pump(obs *monitor.Observer) {
	for ev := range obs.Events() {
		mc.push(ws.Message{Event: ws.Event(ev.Type), Data: ev})
	}
	if reason := obs.Reason(); reason != monitor.ReasonUnsubscribed {
		mc.push(ws.Message{Event: ws.EventEvicted, Data: gin.H{"reason": reason}})
	}
}

func (mc *monitorConn) leave() {
	mc.mu.Lock()
	obs := mc.obs
	mc.obs = nil
	mc.mu.Unlock()
	if obs != nil {
		mc.h.hub.Unsubscribe(obs)
	}
}
