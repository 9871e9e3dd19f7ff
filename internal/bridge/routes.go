package bridge

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Register mounts the bridge routes on the echo server.
func (b *Bridge) Register(e *echo.Echo) {
	e.GET("/ws", b.hub.Handler(b.Dispatch))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  b.hub.Health(),
			"clients": b.hub.ClientCount(),
		})
	})
}
