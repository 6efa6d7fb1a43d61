package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

type errorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

func writeError(c echo.Context, logger *log.Logger, err error) error {
	var (
		ve *domain.ValidationError
		nf *domain.NotFoundError
		su *domain.StoreUnavailableError
	)
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation", Message: "invalid request", Fields: ve.Fields})
	case errors.As(err, &nf):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: nf.Error()})
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return c.JSON(http.StatusConflict, errorResponse{Error: "conflict", Message: "task changed concurrently, retry"})
	case errors.As(err, &su):
		logger.WithError(su.Err).WithField("op", su.Op).Error("store unavailable")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "store_unavailable", Message: "storage is unavailable, outcome unknown"})
	default:
		logger.WithError(err).Error("unhandled request error")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal error"})
	}
}

func unauthorized(c echo.Context, err error) error {
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
}

func badBody(c echo.Context, err error) error {
	ve := domain.Invalid("body", err.Error())
	return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation", Message: "invalid body", Fields: ve.Fields})
}

// HTTPErrorHandler renders echo errors (unknown routes, middleware
// rejections) in the same JSON shape as handler errors.
func HTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			reason := "internal"
			switch he.Code {
			case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
				reason = "validation"
			case http.StatusUnauthorized:
				reason = "unauthorized"
			case http.StatusNotFound, http.StatusMethodNotAllowed:
				reason = "not_found"
			}
			msg, _ := he.Message.(string)
			if msg == "" {
				msg = http.StatusText(he.Code)
			}
			_ = c.JSON(he.Code, errorResponse{Error: reason, Message: msg})
			return
		}
		_ = writeError(c, logger, err)
	}
}
