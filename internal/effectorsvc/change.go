package effectorsvc

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ChangeRequest is the fixed request body the dispatcher's effectorclient
// sends to every effector.
type ChangeRequest struct {
	MemberID   string          `json:"member_id"`
	ChangeType string          `json:"change_type"`
	ChangeData json.RawMessage `json:"change_data"`
}

// ChangeFunc applies one change row to an effector's backing subsystem.
// Returning an error produces a non-200 response; the dispatcher's
// attempt log records whatever status code results.
type ChangeFunc func(c echo.Context, req ChangeRequest) error

// RegisterChangeRoute wires path (conventionally "/v1/change_<type>") to fn,
// decoding the fixed {member_id, change_type, change_data} body and
// replying 200 on success, matching effectorclient.Dispatch's strict
// status-code check.
func RegisterChangeRoute(e interface {
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}, path string, fn ChangeFunc, mw ...echo.MiddlewareFunc) {
	e.POST(path, func(c echo.Context) error {
		var req ChangeRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid change payload")
		}
		if err := fn(c, req); err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return c.NoContent(http.StatusOK)
	}, mw...)
}
