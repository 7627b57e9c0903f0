package relay

import (
	"PPSync/logger"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Ingest turns a server-originated request into a room broadcast. Invalid
// requests are rejected without touching any connection.
func (s *Server) Ingest(ctx context.Context, req *protocol.IngestRequest) (*protocol.IngestResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.WrapMsg(err, "ingest cancelled")
	}
	env, err := req.Envelope()
	if err != nil {
		return nil, err
	}
	delivered, err := s.reg.Broadcast(req.ProjectID, env, req.ExcludeClientID)
	if err != nil {
		return nil, err
	}
	logger.Debug("[Ingest] broadcast",
		zap.String("type", string(env.Type)),
		zap.String("projectId", env.ProjectID),
		zap.String("operationId", env.OperationID),
		zap.Int("delivered", delivered))
	return &protocol.IngestResponse{
		Success:     true,
		Delivered:   delivered,
		ProjectID:   env.ProjectID,
		OperationID: env.OperationID,
	}, nil
}

func (s *Server) handleIngest(c *gin.Context) {
	var req protocol.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ce := errs.ErrBadEnvelope.WithDetail(err.Error())
		c.JSON(http.StatusBadRequest, protocol.IngestResponse{Error: &ce})
		return
	}
	resp, err := s.Ingest(c.Request.Context(), &req)
	if err != nil {
		ce := errs.As(err)
		c.JSON(statusFor(err), protocol.IngestResponse{ProjectID: req.ProjectID, Error: &ce})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrArgs), errors.Is(err, errs.ErrBadEnvelope), errors.Is(err, errs.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrRelayStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type healthResponse struct {
	Status      string  `json:"status"`
	Connections int     `json:"connections"`
	Rooms       int     `json:"rooms"`
	Uptime      float64 `json:"uptime"`
}

func (s *Server) handleHealth(c *gin.Context) {
	conns, rooms, err := s.reg.Counts()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "stopped"})
		return
	}
	c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: conns,
		Rooms:       rooms,
		Uptime:      time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.reg.Stats()
	if err != nil {
		ce := errs.As(err)
		c.JSON(http.StatusServiceUnavailable, ce)
		return
	}
	c.JSON(http.StatusOK, st)
}
