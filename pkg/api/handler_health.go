package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/netchat/netchat/pkg/models"
	"github.com/netchat/netchat/pkg/version"
)

// healthHandler handles GET /health. The gateway is healthy whenever it can
// serve the request; external dependencies (the LLM vendor, the tool server)
// are deliberately excluded so an orchestrator never restarts the gateway for
// an upstream outage.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthResponse{
		Status:  "healthy",
		Service: version.AppName,
		Version: version.Version,
	})
}
