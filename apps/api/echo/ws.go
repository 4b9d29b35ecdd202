package echoapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/masomo/campus/services/realtime"
)

type wsApi struct {
	auth     *authenticator
	rt       *realtime.Server
	upgrader websocket.Upgrader
}

func registerWebsocketAPI(g *echo.Group, auth *authenticator, rt *realtime.Server, allowedOrigins []string) {
	api := wsApi{
		auth: auth,
		rt:   rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
	g.GET("/ws", api.serve)
}

func (api *wsApi) serve(ctx echo.Context) error {
	usr, err := api.auth.socketUser(ctx)
	if err != nil {
		return err
	}

	ws, err := api.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// the upgrader already replied
		return nil
	}

	// blocks until the peer leaves
	api.rt.Serve(ctx.Request().Context(), ws, usr)
	return nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get(echo.HeaderOrigin)
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
