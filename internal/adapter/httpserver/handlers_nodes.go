package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
	"github.com/epanel3-site/django-clientsignal/internal/relay"
)

type nodesResponse struct {
	NodeID string           `json:"node_id"`
	Nodes  []relay.NodeInfo `json:"nodes"`
}

func (s *Server) handleNodes(c echo.Context) error {
	if s.nodes == nil {
		return c.JSON(http.StatusOK, nodesResponse{NodeID: s.nodeID, Nodes: []relay.NodeInfo{}})
	}

	nodes, err := s.nodes.Active(c.Request().Context())
	if err != nil {
		return cserrors.Relay("failed to list relay nodes", err)
	}

	if err := c.JSON(http.StatusOK, nodesResponse{NodeID: s.nodeID, Nodes: nodes}); err != nil {
		return fmt.Errorf("failed to write nodes response: %w", err)
	}
	return nil
}
