package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

// audience decides how much of a failure a caller is shown.
type audience int

const (
	audienceStudent audience = iota
	audienceStaff
)

// classify maps a service error to an HTTP status and code. Students see a
// generic SESSION_ERROR for anything that is not a window or tenant problem.
func classify(err error, who audience) (int, response.ErrCode) {
	status := http.StatusInternalServerError
	code := response.ErrInternal
	switch service.KindOf(err) {
	case service.KindBadRequest:
		status, code = http.StatusBadRequest, response.ErrInvalidPayload
	case service.KindForbidden:
		status, code = http.StatusForbidden, response.ErrForbidden
	case service.KindNotFound:
		status, code = http.StatusNotFound, response.ErrNotFound
	case service.KindConflict:
		status, code = http.StatusConflict, response.ErrConflict
	case service.KindInternal:
	}

	if errors.Is(err, service.ErrExamNotStarted) || errors.Is(err, service.ErrExamEnded) {
		return status, response.ErrExamNotAvailable
	}
	if who == audienceStudent && code != response.ErrForbidden {
		return status, response.ErrSession
	}
	return status, code
}

func detailOf(err error) *response.ErrorDetail {
	var se *service.Error
	if !errors.As(err, &se) {
		return &response.ErrorDetail{Reason: err.Error()}
	}
	d := &response.ErrorDetail{Op: se.Op, Reason: se.Err.Error()}
	if se.SessionID != uuid.Nil {
		d.SessionID = se.SessionID.String()
	}
	return d
}

// failService writes the envelope for a failed service call. Internal
// errors are logged with the request's logger.
func failService(c *gin.Context, log zerolog.Logger, err error, who audience) {
	status, code := classify(err, who)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Service call failed")
	}
	if who == audienceStaff {
		response.FailWithDetail(c, status, code, detailOf(err))
		return
	}
	response.Fail(c, status, code)
}

// wsFailure builds the exam_error frame for a failed action.
func wsFailure(err error, who audience) ws.ErrorResponse {
	_, code := classify(err, who)
	out := ws.ErrorResponse{
		Event: ws.EventExamError,
		Code:  string(code),
		Error: response.GetMessage(code),
	}
	if who == audienceStaff {
		d := detailOf(err)
		out.Detail = &ws.ErrorDetail{Op: d.Op, SessionID: d.SessionID, Reason: d.Reason}
	}
	return out
}
