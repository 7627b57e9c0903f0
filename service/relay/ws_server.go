package relay

import (
	"PPSync/logger"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"errors"
	"net"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWS upgrades the request and runs the read loop until the peer goes away
// or the liveness sweep closes the socket.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// not a websocket request or handshake failure; the upgrader already replied
		logger.Info("[WS] upgrade failed", zap.Error(err))
		return
	}

	conn, err := s.reg.Register(ws, ws.RemoteAddr().String())
	if err != nil {
		logger.Warn("[WS] register failed", zap.Error(err))
		_ = ws.Close()
		return
	}
	clientID := conn.ClientID
	defer func() {
		_ = s.reg.Unregister(clientID)
	}()

	ws.SetReadLimit(s.conf.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		_ = s.reg.Heartbeat(clientID)
		return nil
	})

	hello, err := protocol.New(protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablished{
		ClientID:   clientID,
		ServerTime: protocol.NowMillis(),
	})
	if err == nil {
		_ = s.reg.Send(clientID, hello)
	}

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("[WS] peer closed", zap.String("clientId", clientID), zap.Error(rerr))
			case errors.As(rerr, &ne) && ne.Timeout():
				logger.Info("[WS] read timeout", zap.String("clientId", clientID), zap.Error(rerr))
			default:
				logger.Info("[WS] read err", zap.String("clientId", clientID), zap.Error(rerr))
			}
			return
		}
		_ = s.reg.Heartbeat(clientID)
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(clientID, data)
	}
}

// handleFrame never closes the connection: protocol and application errors are
// answered with an ERROR envelope to the sender only.
func (s *Server) handleFrame(clientID string, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		sample := data
		if len(sample) > 256 {
			sample = sample[:256]
		}
		logger.Info("[WS] bad frame", zap.String("clientId", clientID), zap.Error(err), zap.ByteString("sample", sample))
		s.replyError(clientID, err, "")
		return
	}
	if err := s.dispatch(clientID, env); err != nil {
		logger.Info("[WS] handle frame", zap.String("clientId", clientID), zap.String("type", string(env.Type)), zap.Error(err))
		s.replyError(clientID, err, env.OperationID)
	}
}

func (s *Server) dispatch(clientID string, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSetUser:
		return s.onSetUser(clientID, env)
	case protocol.TypeJoinProject:
		return s.onJoin(clientID, env)
	case protocol.TypeLeaveProject:
		return s.onLeave(clientID, env)
	case protocol.TypeTaskCreate, protocol.TypeTaskUpdate, protocol.TypeTaskDelete,
		protocol.TypeCommentCreate, protocol.TypeCommentUpdate, protocol.TypeCommentDelete,
		protocol.TypeProjectUpdate, protocol.TypeProjectDelete:
		_, err := s.reg.Relay(clientID, env)
		return err
	case protocol.TypeUserPresence, protocol.TypeConnectionEstablished, protocol.TypeError:
		// relay-originated types; nothing to do when a client echoes them
		return nil
	default:
		logger.Debug("[WS] ignoring unknown type", zap.String("clientId", clientID), zap.String("type", string(env.Type)))
		return nil
	}
}

func (s *Server) onSetUser(clientID string, env *protocol.Envelope) error {
	userID := env.UserID
	if len(env.Payload) > 0 {
		var p protocol.SetUser
		if err := env.DecodePayload(&p); err == nil && p.UserID != "" {
			userID = p.UserID
		}
	}
	if userID == "" {
		return errs.ErrArgs.WrapMsg("userId is empty")
	}
	return s.reg.Identify(clientID, userID)
}

func (s *Server) onJoin(clientID string, env *protocol.Envelope) error {
	return s.reg.Join(clientID, roomOf(env))
}

func (s *Server) onLeave(clientID string, env *protocol.Envelope) error {
	projectID := roomOf(env)
	if projectID == "" {
		return errs.ErrArgs.WrapMsg("projectId is empty")
	}
	return s.reg.Leave(clientID, projectID)
}

// roomOf reads the target project from the envelope, falling back to the payload.
func roomOf(env *protocol.Envelope) string {
	if env.ProjectID != "" {
		return env.ProjectID
	}
	var p protocol.RoomRequest
	if len(env.Payload) > 0 && env.DecodePayload(&p) == nil {
		return p.ProjectID
	}
	return ""
}

func (s *Server) replyError(clientID string, err error, operationID string) {
	if sendErr := s.reg.Send(clientID, protocol.NewError(errs.As(err), operationID)); sendErr != nil {
		logger.Debug("[WS] error reply dropped", zap.String("clientId", clientID), zap.Error(sendErr))
	}
}
