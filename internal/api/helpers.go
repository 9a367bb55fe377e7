package api

import (
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode request: %w", err)
	}
	return v, nil
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeConflict(c *echo.Context, msg string) error {
	return writeError(c, http.StatusConflict, "invalid_state_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorDetail{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}
