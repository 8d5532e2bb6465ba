package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 25 * time.Second

// streamEvents pushes change events to the caller as server-sent events.
// Observers receive only events published while they are connected; on
// (re)connect they must re-read current state, there is no replay.
func streamEvents(subs Subscriber, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		if _, err := auth.UserIDFromAuthHeader(authHeader); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ch := subs.Subscribe()
		defer subs.Unsubscribe(ch)

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				data, err := sonic.ConfigStd.Marshal(ev)
				if err != nil {
					c.Logger().Error(err)
					continue
				}
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(data); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}
