package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
)

// Response is the envelope for all REST responses.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Message string `json:"message"`
	// CommittedStatus is set on conflict responses so a losing responder can
	// reconcile with the outcome that actually won.
	CommittedStatus string `json:"committed_status,omitempty"`
}

func NewSuccessResponse(data interface{}) Response {
	return Response{Status: "success", Data: data}
}

func NewErrorResponse(message string) Response {
	return Response{Status: "error", Error: &ErrorBody{Message: message}}
}

// RespondError maps an application error onto the HTTP surface. A stale
// transition is a conflict, not a failure: 409 plus the committed status.
func RespondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		c.JSON(http.StatusInternalServerError, NewErrorResponse("internal server error"))
		return
	}

	switch appErr.Code {
	case apperrors.ErrNotFound:
		c.JSON(http.StatusNotFound, NewErrorResponse(appErr.Message))
	case apperrors.ErrBadRequest:
		c.JSON(http.StatusBadRequest, NewErrorResponse(appErr.Message))
	case apperrors.ErrUnauthorized:
		c.JSON(http.StatusUnauthorized, NewErrorResponse(appErr.Message))
	case apperrors.ErrStaleTransition:
		body := Response{Status: "error", Error: &ErrorBody{Message: appErr.Message}}
		if stale, ok := apperrors.AsStaleTransition(appErr); ok {
			body.Error.CommittedStatus = stale.Committed
		}
		c.JSON(http.StatusConflict, body)
	default:
		c.JSON(http.StatusInternalServerError, NewErrorResponse("internal server error"))
	}
}
