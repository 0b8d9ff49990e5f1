package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const actionTimeout = 10 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the student exam stream.
type WSHandler struct {
	sessions *service.ExamSessionService
	answers  *middleware.RateLimiter
	flags    *middleware.RateLimiter
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. answers and flags rate-limit
// submit_answer and security_flag per session.
func NewWSHandler(
	sessions *service.ExamSessionService,
	answers, flags *middleware.RateLimiter,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		answers:  answers,
		flags:    flags,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// studentConn is one student WebSocket.
type studentConn struct {
	*wsConn
	h            *WSHandler
	claims       *service.Claims
	examID       string
	connectionID string

	mu        sync.Mutex
	sessionID uuid.UUID
	stream    *attachment
	closing   bool
}

type attachment struct {
	ch     <-chan model.StudentEvent
	detach func()
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Upgrades to WebSocket for the live exam session.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID := c.Param("exam_id")
	if examID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	connectionID := uuid.NewString()
	log := h.log.With().
		Str("student_id", claims.UserID).
		Str("exam_id", examID).
		Str("connection_id", connectionID).
		Logger()
	sc := &studentConn{
		wsConn:       newWSConn(conn, log),
		h:            h,
		claims:       claims,
		examID:       examID,
		connectionID: connectionID,
	}

	sc.log.Info().Msg("Student connected")
	go sc.writePump()
	sc.readLoop()
	sc.teardown()
}

func (sc *studentConn) readLoop() {
	ws.Prepare(sc.conn)
	for {
		var msg ws.RequestEnvelope
		if err := ws.ReadJSON(sc.conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				sc.log.Debug().Msg("Connection closed")
			}
			return
		}
		sc.dispatch(msg)
	}
}

func (sc *studentConn) dispatch(msg ws.RequestEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if msg.Action == ws.ActionPing {
		sc.push(ws.PongResponse{Event: ws.EventPong})
		return
	}
	if msg.Action == ws.ActionJoinExamSession {
		sc.join(ctx, msg.Data)
		return
	}

	id := sc.session()
	if id == uuid.Nil {
		sc.push(ws.ErrorResponse{
			Event: ws.EventExamError,
			Code:  string(response.ErrSessionNotJoined),
			Error: response.GetMessage(response.ErrSessionNotJoined),
		})
		return
	}
	org := sc.claims.OrganizationID

	var err error
	switch msg.Action {
	case ws.ActionBeginExam:
		_, err = sc.h.sessions.BeginSession(ctx, id, org)
	case ws.ActionPauseExam:
		_, err = sc.h.sessions.PauseSession(ctx, id, org)
	case ws.ActionResumeExam:
		_, err = sc.h.sessions.ResumeSession(ctx, id, org)
	case ws.ActionHeartbeat:
		var res *service.HeartbeatResult
		if res, err = sc.h.sessions.RecordHeartbeat(ctx, id, org); err == nil {
			sc.push(ws.Message{Event: ws.EventHeartbeatAck, Data: res})
		}
	case ws.ActionSubmitAnswer:
		err = sc.submitAnswer(ctx, id, msg.Data)
	case ws.ActionImportAnswers:
		err = sc.importAnswers(ctx, id, msg.Data)
	case ws.ActionSecurityFlag:
		err = sc.securityFlag(ctx, id, msg.Data)
	case ws.ActionEndExam:
		err = sc.endExam(ctx, id, msg.Data)
	default:
		sc.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		sc.push(ws.ErrorResponse{
			Event: ws.EventExamError,
			Code:  string(response.ErrUnknownAction),
			Error: "unknown action: " + string(msg.Action),
		})
		return
	}
	if err != nil {
		sc.fail(string(msg.Action), err)
	}
}

// ─── Actions ────────────────────────────────────────────────────────

func (sc *studentConn) join(ctx context.Context, data json.RawMessage) {
	var req ws.JoinSessionRequest
	if !sc.decode(data, &req) {
		return
	}

	res, err := sc.h.sessions.StartOrResumeSession(ctx, service.JoinRequest{
		ExamID:         sc.examID,
		StudentID:      sc.claims.UserID,
		OrganizationID: sc.claims.OrganizationID,
		ConnectionID:   sc.connectionID,
		DeviceInfo:     req.DeviceInfo,
		NetworkInfo:    req.NetworkInfo,
	})
	if err != nil {
		sc.fail(string(ws.ActionJoinExamSession), err)
		return
	}

	// The joined frame precedes anything the session stream delivers.
	sc.push(ws.Message{Event: ws.EventSessionJoined, Data: res})

	sc.mu.Lock()
	prev := sc.stream
	sc.stream = nil
	sc.mu.Unlock()
	if prev != nil {
		prev.detach()
	}

	ch, detach, err := sc.h.sessions.OpenStream(ctx, res.Session.ID, sc.claims.OrganizationID, sc.connectionID)
	if err != nil {
		sc.fail(string(ws.ActionJoinExamSession), err)
		return
	}
	a := &attachment{ch: ch, detach: detach}

	sc.mu.Lock()
	sc.sessionID = res.Session.ID
	sc.stream = a
	sc.mu.Unlock()

	go sc.pumpStream(a)
	sc.log.Info().
		Str("session_id", res.Session.ID.String()).
		Bool("resumed", res.Resumed).
		Msg("Session joined")
}

func (sc *studentConn) submitAnswer(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	if !sc.h.answers.Allow(id.String()) {
		sc.rateLimited()
		return nil
	}
	var req service.AnswerRequest
	if !sc.decode(data, &req) {
		return nil
	}
	req.SessionID, req.OrganizationID = id, sc.claims.OrganizationID
	_, err := sc.h.sessions.RecordAnswer(ctx, req)
	return err
}

type importAnswersRequest struct {
	Answers []service.AnswerRequest `json:"answers" validate:"required,min=1,max=500,dive"`
}

func (sc *studentConn) importAnswers(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	var req importAnswersRequest
	if !sc.decode(data, &req) {
		return nil
	}
	res, err := sc.h.sessions.ImportAnswers(ctx, id, sc.claims.OrganizationID, req.Answers)
	if res != nil {
		sc.push(ws.Message{Event: ws.EventAnswersImported, Data: res})
	}
	if errors.Is(err, service.ErrPreempted) {
		return nil
	}
	return err
}

func (sc *studentConn) securityFlag(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	if !sc.h.flags.Allow(id.String()) {
		sc.rateLimited()
		return nil
	}
	var req service.FlagRequest
	if !sc.decode(data, &req) {
		return nil
	}
	req.SessionID, req.OrganizationID = id, sc.claims.OrganizationID
	_, err := sc.h.sessions.AppendSecurityFlag(ctx, req)
	return err
}

func (sc *studentConn) endExam(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	var req ws.EndExamRequest
	if !sc.decode(data, &req) {
		return nil
	}
	sub := model.SubmissionNormal
	if req.SubmissionType != "" {
		sub = model.SubmissionType(req.SubmissionType)
	}
	// Students may only submit or abandon; timeouts and forced ends are server-side.
	if sub != model.SubmissionNormal && sub != model.SubmissionDisconnect {
		sc.push(ws.ErrorResponse{
			Event: ws.EventExamError,
			Code:  string(response.ErrValidation),
			Error: "submissionType must be normal or disconnect",
		})
		return nil
	}
	_, err := sc.h.sessions.EndSession(ctx, id, sc.claims.OrganizationID, sub, req.FinalScore)
	return err
}

// ─── Plumbing ───────────────────────────────────────────────────────

// decode unmarshals and validates an action payload, replying with an
// error frame on failure. An absent payload decodes to the zero value.
func (sc *studentConn) decode(data json.RawMessage, dst any) bool {
	if len(data) > 0 {
		if err := json.Unmarshal(data, dst); err != nil {
			sc.push(ws.ErrorResponse{
				Event: ws.EventExamError,
				Code:  string(response.ErrInvalidPayload),
				Error: response.GetMessage(response.ErrInvalidPayload),
			})
			return false
		}
	}
	if fields := validator.Struct(dst); fields != nil {
		msgs := make([]string, 0, len(fields))
		for _, m := range fields {
			msgs = append(msgs, m)
		}
		sc.push(ws.ErrorResponse{
			Event: ws.EventExamError,
			Code:  string(response.ErrValidation),
			Error: strings.Join(msgs, "; "),
		})
		return false
	}
	return true
}

func (sc *studentConn) fail(action string, err error) {
	if service.KindOf(err) == service.KindInternal {
		sc.log.Error().Err(err).Str("action", action).Msg("Action failed")
	} else {
		sc.log.Debug().Err(err).Str("action", action).Msg("Action rejected")
	}
	sc.push(wsFailure(err, audienceStudent))
}

func (sc *studentConn) rateLimited() {
	sc.push(ws.ErrorResponse{
		Event: ws.EventExamError,
		Code:  string(response.ErrRateLimitExceeded),
		Error: response.GetMessage(response.ErrRateLimitExceeded),
	})
}

func (sc *studentConn) session() uuid.UUID {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sessionID
}

// pumpStream forwards session events until the channel closes. A channel
// closed by anyone but this connection means another connection took over.
func (sc *studentConn) pumpStream(a *attachment) {
	for ev := range a.ch {
		sc.push(ev)
	}

	sc.mu.Lock()
	superseded := sc.stream == a && !sc.closing
	sc.mu.Unlock()
	if superseded {
		sc.log.Info().Msg("Session taken over by another connection")
		sc.pushClose(websocket.ClosePolicyViolation, "superseded")
	}
}

// teardown detaches the session stream and reports the disconnect. The
// coordinator ignores the report when another connection owns the session.
func (sc *studentConn) teardown() {
	sc.mu.Lock()
	sc.closing = true
	id, a := sc.sessionID, sc.stream
	sc.mu.Unlock()

	if a != nil {
		a.detach()
	}
	sc.shutdown()

	if id != uuid.Nil {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := sc.h.sessions.MarkDisconnected(ctx, id, sc.claims.OrganizationID, sc.connectionID); err != nil {
			sc.log.Warn().Err(err).Str("session_id", id.String()).Msg("Failed to record disconnect")
		}
	}
	sc.log.Info().Msg("Student disconnected")
}
