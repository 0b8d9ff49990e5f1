package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
)

const maxListLimit = 1000

// SessionHandler exposes exam sessions over REST to students and staff.
type SessionHandler struct {
	sessions *service.ExamSessionService
	monitor  *service.MonitorService
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *service.ExamSessionService, monitorService *service.MonitorService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		monitor:  monitorService,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// ─── Student ────────────────────────────────────────────────────────

// StartSession godoc
// POST /api/v1/student/exams/:id/sessions
// Creates the student's session for the exam or resumes the open one.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartSessionRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	res, err := h.sessions.StartOrResumeSession(c.Request.Context(), service.JoinRequest{
		ExamID:         c.Param("id"),
		StudentID:      claims.UserID,
		OrganizationID: claims.OrganizationID,
		DeviceInfo:     req.DeviceInfo,
		NetworkInfo:    req.NetworkInfo,
	})
	if err != nil {
		failService(c, h.log, err, audienceStudent)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, res)
}

// GetOwnSession godoc
// GET /api/v1/student/sessions/:id
func (h *SessionHandler) GetOwnSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	sess, err := h.sessions.GetSession(c.Request.Context(), id, claims.OrganizationID)
	if err != nil {
		failService(c, h.log, err, audienceStudent)
		return
	}
	if sess.StudentID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"session":       sess,
		"progress":      model.ProgressOf(sess),
		"timeRemaining": service.TimeRemaining(sess, time.Now()),
	})
}

// ─── Staff ──────────────────────────────────────────────────────────

type listSessionsQuery struct {
	Status    string `form:"status"`
	ExamID    string `form:"exam_id" binding:"omitempty,max=128"`
	StudentID string `form:"student_id" binding:"omitempty,max=128"`
	From      string `form:"from"`
	To        string `form:"to"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// ListSessions godoc
// GET /api/v1/monitor/sessions?status=&exam_id=&student_id=&from=&to=&limit=
// status accepts a comma separated list.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var q listSessionsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	f := repository.SessionFilter{
		OrganizationID: claims.OrganizationID,
		ExamID:         q.ExamID,
		StudentID:      q.StudentID,
		Limit:          q.Limit,
	}
	if f.Limit == 0 {
		f.Limit = maxListLimit
	}
	for _, raw := range strings.Split(q.Status, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		st, ok := model.ParseSessionStatus(raw)
		if !ok {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
				map[string]string{"status": fmt.Sprintf("unknown status %q", raw)})
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	var fields map[string]string
	if f.From, f.To, fields = parseRange(q.From, q.To); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sessions, err := h.monitor.ListSessions(c.Request.Context(), f)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// ActiveSessions godoc
// GET /api/v1/monitor/sessions/active?exam_id=
func (h *SessionHandler) ActiveSessions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	data, err := h.monitor.ListActiveSessions(c.Request.Context(), claims.OrganizationID, c.Query("exam_id"))
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessions": data, "count": len(data)})
}

// SessionByConnection godoc
// GET /api/v1/monitor/sessions/by-connection/:conn_id
func (h *SessionHandler) SessionByConnection(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sess, err := h.sessions.GetSessionByConnection(c.Request.Context(), c.Param("conn_id"), claims.OrganizationID)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// GetSession godoc
// GET /api/v1/monitor/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	sess, err := h.sessions.GetSession(c.Request.Context(), id, claims.OrganizationID)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// SessionReport godoc
// GET /api/v1/monitor/sessions/:id/report
func (h *SessionHandler) SessionReport(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	report, err := h.monitor.SessionReport(c.Request.Context(), claims.OrganizationID, id)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, report)
}

// SessionLive godoc
// GET /api/v1/monitor/sessions/:id/live
func (h *SessionHandler) SessionLive(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	data, err := h.monitor.SessionMonitoringData(c.Request.Context(), claims.OrganizationID, id)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, data)
}

// TerminateSession godoc
// POST /api/v1/monitor/sessions/:id/terminate
func (h *SessionHandler) TerminateSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	var req model.TerminateSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.sessions.ForceTerminate(c.Request.Context(), id, claims.OrganizationID, claims.UserID, req.Reason)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	h.log.Info().
		Str("session_id", id.String()).
		Str("actor_id", claims.UserID).
		Msg("Session force-terminated")
	response.Success(c, http.StatusOK, sess)
}

// CleanupInactive godoc
// POST /api/v1/monitor/maintenance/cleanup
// Ends the caller organization's sessions idle longer than maxAgeMinutes
// (default 30).
func (h *SessionHandler) CleanupInactive(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	var req model.CleanupRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	n, err := h.monitor.CleanupInactiveSessions(c.Request.Context(), claims.OrganizationID, req.MaxAgeMinutes)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"cleaned": n})
}

// ─── Helpers ────────────────────────────────────────────────────────

func sessionIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// parseRange parses optional from/to query values. A bare date as "to"
// covers the whole day.
func parseRange(from, to string) (*time.Time, *time.Time, map[string]string) {
	var fields map[string]string
	fail := func(key, raw string) {
		if fields == nil {
			fields = map[string]string{}
		}
		fields[key] = fmt.Sprintf("%q is not an RFC 3339 time or YYYY-MM-DD date", raw)
	}

	var f, t *time.Time
	if from != "" {
		if v, _, err := parseTimeParam(from); err != nil {
			fail("from", from)
		} else {
			f = &v
		}
	}
	if to != "" {
		if v, dateOnly, err := parseTimeParam(to); err != nil {
			fail("to", to)
		} else {
			if dateOnly {
				v = v.Add(24*time.Hour - time.Nanosecond)
			}
			t = &v
		}
	}
	return f, t, fields
}

func parseTimeParam(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	return t, true, err
}

// intQuery reads a non-negative integer query value, or def when absent.
func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{key: "must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
