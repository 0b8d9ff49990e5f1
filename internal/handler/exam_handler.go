package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// ExamHandler serves the authoritative clock to clients.
type ExamHandler struct {
	examService *service.ExamService
	log         zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(examService *service.ExamService, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		examService: examService,
		log:         log.With().Str("component", "exam_handler").Logger(),
	}
}

// ServerTime godoc
// GET /api/v1/time
// Public. Clients derive their clock offset from it.
func (h *ExamHandler) ServerTime(c *gin.Context) {
	response.Success(c, http.StatusOK, h.examService.ServerTime())
}

// Countdown godoc
// GET /api/v1/exams/:id/countdown
func (h *ExamHandler) Countdown(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	who := audienceStudent
	if claims.TokenType.IsStaff() {
		who = audienceStaff
	}
	out, err := h.examService.Countdown(c.Request.Context(), c.Param("id"), claims.OrganizationID)
	if err != nil {
		failService(c, h.log, err, who)
		return
	}
	response.Success(c, http.StatusOK, out)
}
