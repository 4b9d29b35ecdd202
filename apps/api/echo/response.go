package echoapi

import "github.com/labstack/echo/v4"

// Response is the envelope of every API response.
type Response struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func respond(ctx echo.Context, code int, data interface{}) error {
	return ctx.JSON(code, Response{Success: true, Data: data})
}
