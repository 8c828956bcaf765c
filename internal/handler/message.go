package handler

import (
	"errors"

	"gowa-connect/internal/helper"
	"gowa-connect/internal/session"

	"github.com/labstack/echo/v4"
)

// Request body untuk send message
type SendMessageRequest struct {
	To      string `json:"to" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// POST /sessions/:sessionId/send
func SendMessage(m *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := c.Param("sessionId")

		var req SendMessageRequest
		if err := c.Bind(&req); err != nil {
			return ErrorResponse(c, 400, "Invalid request body", "INVALID_REQUEST", err.Error())
		}

		if req.To == "" || req.Message == "" {
			return ErrorResponse(c, 400, "Field 'to' and 'message' are required", "VALIDATION_ERROR", "")
		}

		target, err := helper.FormatTargetJID(req.To)
		if err != nil {
			return ErrorResponse(c, 400, "Invalid target", "INVALID_TARGET", err.Error())
		}

		msgID, err := m.Send(c.Request().Context(), sessionID, target, req.Message)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrNotFound):
				return ErrorResponse(c, 404, "Session not found", "SESSION_NOT_FOUND", "Please login first")
			case errors.Is(err, session.ErrNotConnected):
				return ErrorResponse(c, 400, "Session is not connected", "NOT_CONNECTED", "Please check the status endpoint")
			default:
				return ErrorResponse(c, 502, "Failed to send message", "SEND_FAILED", err.Error())
			}
		}

		return SuccessResponse(c, 200, "Message sent", map[string]interface{}{
			"sessionId": sessionID,
			"messageId": msgID,
			"to":        req.To,
		})
	}
}
