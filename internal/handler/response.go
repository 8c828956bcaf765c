package handler

import "github.com/labstack/echo/v4"

// Format response seragam untuk semua endpoint.

func SuccessResponse(c echo.Context, code int, message string, data interface{}) error {
	return c.JSON(code, map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}

func ErrorResponse(c echo.Context, code int, message, errCode, detail string) error {
	errBody := map[string]string{
		"code": errCode,
	}
	if detail != "" {
		errBody["detail"] = detail
	}
	return c.JSON(code, map[string]interface{}{
		"success": false,
		"message": message,
		"error":   errBody,
	})
}
