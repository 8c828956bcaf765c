package handler

import (
	"errors"
	"net/http"

	"gowa-connect/internal/session"

	"github.com/labstack/echo/v4"
)

//**********************************
//
// SESSION LIFECYCLE ENDPOINTS
//
//**********************************

// POST /sessions
func CreateSession(m *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := c.Bind(&req); err != nil {
			return ErrorResponse(c, 400, "Invalid request body", "BAD_REQUEST", err.Error())
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = session.NewSessionID()
		}

		_, err := m.CreateSession(sessionID)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrAlreadyExists):
				return ErrorResponse(c, 409, "Session already exists", "ALREADY_EXISTS", "")
			case errors.Is(err, session.ErrCapacityExceeded):
				return ErrorResponse(c, 429, "Session capacity exceeded, no inactive session to evict", "CAPACITY_EXCEEDED", "")
			default:
				return ErrorResponse(c, 500, "Failed to create session", "CREATE_SESSION_FAILED", err.Error())
			}
		}

		return SuccessResponse(c, 200, "Session created", map[string]interface{}{
			"sessionId": sessionID,
			"state":     session.StateDisconnected,
			"nextStep":  "Call POST /sessions/:sessionId/connect to get a QR challenge",
		})
	}
}

// POST /sessions/:sessionId/connect
// Body: {"forceReset": bool} — forceReset membuang credential lama dan
// memaksa QR baru.
func Connect(m *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := c.Param("sessionId")

		var req struct {
			ForceReset bool `json:"forceReset"`
		}
		_ = c.Bind(&req) // body optional

		res, err := m.Connect(c.Request().Context(), sessionID, req.ForceReset)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrNotFound):
				return ErrorResponse(c, 404, "Session not found", "SESSION_NOT_FOUND", "")
			case errors.Is(err, session.ErrConnectTimeout):
				return ErrorResponse(c, 504, "Connect timed out", "CONNECT_TIMEOUT", "No challenge or open event within the connect window")
			case errors.Is(err, session.ErrCredentialUnavailable):
				return ErrorResponse(c, 500, "Credential store unavailable", "CREDENTIAL_UNAVAILABLE", err.Error())
			default:
				return ErrorResponse(c, 502, "Failed to connect", "CONNECT_FAILED", err.Error())
			}
		}

		if res.NeedsAuthChallenge {
			return SuccessResponse(c, 200, "Authentication challenge required", res)
		}
		return SuccessResponse(c, 200, "Session connected", res)
	}
}

// POST /sessions/:sessionId/pair
// Alternatif QR: minta pairing code untuk nomor telepon. Hanya valid selama
// transport masih di fase connecting.
func RequestPairingCode(m *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := c.Param("sessionId")

		var req struct {
			PhoneNumber string `json:"phoneNumber"`
		}
		if err := c.Bind(&req); err != nil {
			return ErrorResponse(c, 400, "Invalid request body", "BAD_REQUEST", err.Error())
		}
		if req.PhoneNumber == "" {
			return ErrorResponse(c, 400, "Field 'phoneNumber' is required", "VALIDATION_ERROR", "")
		}

		code, err := m.RequestPairingCode(c.Request().Context(), sessionID, req.PhoneNumber)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrNotFound):
				return ErrorResponse(c, 404, "Session not found", "SESSION_NOT_FOUND", "")
			case errors.Is(err, session.ErrPairingWindowMissed):
				return ErrorResponse(c, 409, "Pairing window missed", "PAIRING_WINDOW_MISSED",
					"Pairing codes can only be requested while the session is connecting. Call connect first.")
			case errors.Is(err, session.ErrConnectTimeout):
				return ErrorResponse(c, 504, "Pairing code request timed out", "CONNECT_TIMEOUT", "")
			default:
				return ErrorResponse(c, 502, "Failed to request pairing code", "PAIRING_FAILED", err.Error())
			}
		}

		return SuccessResponse(c, 200, "Pairing code issued", map[string]interface{}{
			"sessionId":   sessionID,
			"pairingCode": code,
			"state":       session.StatePairingPending,
		})
	}
}

// GET /sessions/:sessionId/status
func GetStatus(m *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := c.Param("sessionId")

		info, err := m.Status(sessionID)
		if err != nil {
			return ErrorResponse(c, 404, "Session not found", "SESSION_NOT_FOUND", "")
		}

		return SuccessResponse(c, 200, "Status retrieved", info)
	}
}

// POST /sessions/:sessionId/logout
func Logout(m *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := c.Param("sessionId")

		if err := m.Disconnect(sessionID); err != nil {
			return ErrorResponse(c, 404, "Session not found", "SESSION_NOT_FOUND", "")
		}

		return SuccessResponse(c, 200, "Logged out successfully", map[string]interface{}{
			"sessionId": sessionID,
		})
	}
}

// GET /sessions
func GetAllSessions(m *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		type sessionResp struct {
			SessionID    string        `json:"sessionId"`
			State        session.State `json:"state"`
			RealIsActive bool          `json:"realIsActive"`
			RetryCount   int           `json:"retryCount"`
		}

		var out []sessionResp
		for _, s := range m.Sessions() {
			info, err := m.Status(s.ID)
			if err != nil {
				continue // removed while iterating the snapshot
			}
			out = append(out, sessionResp{
				SessionID:    s.ID,
				State:        info.State,
				RealIsActive: info.RealIsActive,
				RetryCount:   info.RetryCount,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Sessions retrieved",
			"data": map[string]interface{}{
				"total":    len(out),
				"sessions": out,
			},
		})
	}
}
