package echoapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 1 << 10,
	CheckOrigin:     func(*http.Request) bool { return true }, // auth is via JWT
}

// registerWS exposes the live event stream. Every client starts subscribed
// to their own user topic; session topics are joined with subscribe frames.
func registerWS(g *echo.Group, deps ServerDeps) {
	jwt := middleware.JWTWithConfig(newWSJWTConfig(deps.Conf))

	g.GET("/ws", func(ctx echo.Context) error {
		claims, err := getContextClaims(ctx)
		if err != nil {
			return err
		}

		conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
		if err != nil {
			return errors.Wrap(err, "upgrading connection")
		}
		deps.Hub.HandleConn(conn, core.UserTopic(claims.Subject))
		return nil
	}, jwt)
}
