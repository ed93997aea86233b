package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// modelsHandler handles GET /models: the registry's descriptors with
// availability evaluated live, bounded by the per-probe ceiling.
func (s *Server) modelsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.List(c.Request().Context()))
}
