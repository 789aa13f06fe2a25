package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quorumhq/quorum/internal/session"
)

// SessionsHandler exposes stored authentication profiles.
type SessionsHandler struct {
	Sessions session.Store
	Reval    *session.Revalidator
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.DELETE("/:id", h.invalidate)
	g.POST("/revalidate", h.revalidate)
}

func (h *SessionsHandler) list(c echo.Context) error {
	profiles, err := h.Sessions.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, profiles)
}

func (h *SessionsHandler) invalidate(c echo.Context) error {
	if err := h.Sessions.Invalidate(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *SessionsHandler) revalidate(c echo.Context) error {
	if h.Reval == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "revalidation not enabled")
	}
	h.Reval.RunOnce(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]string{"status": "done"})
}
