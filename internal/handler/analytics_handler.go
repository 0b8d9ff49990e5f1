package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// AnalyticsHandler serves aggregate views over an organization's sessions.
type AnalyticsHandler struct {
	monitor *service.MonitorService
	log     zerolog.Logger
}

func NewAnalyticsHandler(monitorService *service.MonitorService, log zerolog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		monitor: monitorService,
		log:     log.With().Str("component", "analytics_handler").Logger(),
	}
}

// filter reads exam_id, from and to. It writes the failure response itself.
func (h *AnalyticsHandler) filter(c *gin.Context) (service.AnalyticsFilter, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return service.AnalyticsFilter{}, false
	}
	from, to, fields := parseRange(c.Query("from"), c.Query("to"))
	if fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return service.AnalyticsFilter{}, false
	}
	return service.AnalyticsFilter{
		OrganizationID: claims.OrganizationID,
		ExamID:         c.Query("exam_id"),
		From:           from,
		To:             to,
	}, true
}

// SessionAnalytics godoc
// GET /api/v1/monitor/analytics/sessions?exam_id=&from=&to=
func (h *AnalyticsHandler) SessionAnalytics(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	out, err := h.monitor.SessionAnalytics(c.Request.Context(), f)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, out)
}

// FlagsSummary godoc
// GET /api/v1/monitor/analytics/flags?exam_id=&from=&to=
func (h *AnalyticsHandler) FlagsSummary(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	out, err := h.monitor.SecurityFlagsSummary(c.Request.Context(), f)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, out)
}

// HighRisk godoc
// GET /api/v1/monitor/analytics/high-risk?exam_id=&threshold=
func (h *AnalyticsHandler) HighRisk(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	threshold, ok := intQuery(c, "threshold", 0)
	if !ok {
		return
	}

	out, err := h.monitor.HighRiskSessions(c.Request.Context(), claims.OrganizationID, c.Query("exam_id"), threshold)
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// ExamProgress godoc
// GET /api/v1/monitor/exams/:id/progress
func (h *AnalyticsHandler) ExamProgress(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	out, err := h.monitor.ProgressStatistics(c.Request.Context(), claims.OrganizationID, c.Param("id"))
	if err != nil {
		failService(c, h.log, err, audienceStaff)
		return
	}
	response.Success(c, http.StatusOK, out)
}
