package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/joinlink"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/MarcoPoloResearchLab/callroom/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	leaveOnDisconnectTimeout = 5 * time.Second
	maxLaneBacklog           = 128
)

// gateway carries the call protocol over websockets. Each connection is
// authenticated once at upgrade and may join any number of calls.
type gateway struct {
	registry   *session.Registry
	connConfig realtime.ConnConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func newGateway(registry *session.Registry, connConfig realtime.ConnConfig, logger *zap.Logger) *gateway {
	return &gateway{
		registry:   registry,
		connConfig: connConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins are enforced by the bearer token, not the browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (g *gateway) handleUpgrade(c *gin.Context) {
	principal := principalFrom(c)
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("user_id", principal.UserID), zap.Error(err))
		return
	}
	conn := realtime.NewConn(ws, principal.UserID, g.connConfig)
	state := &connState{
		gateway: g,
		conn:    conn,
		roles:   principal.Roles,
		joined:  make(map[string]calls.Role),
		lanes:   make(map[string]*lane),
	}
	conn.Logger().Debug("websocket connected")
	conn.Run(state.handle)
	state.inFlight.Wait()
	state.leaveAll()
	conn.Logger().Debug("websocket disconnected")
}

// connState tracks which calls a connection has joined and in what role.
// Requests for one call run in order on that call's lane; lanes for
// different calls run independently. leaveAll runs once every lane drained.
type connState struct {
	gateway *gateway
	conn    *realtime.Conn
	roles   []string

	mu       sync.Mutex
	joined   map[string]calls.Role
	lanes    map[string]*lane
	inFlight sync.WaitGroup
}

// lane holds the requests of one call that have not run yet. A lane exists
// only while it has work.
type lane struct {
	queue []protocol.Frame
}

func (s *connState) requester(requestID string) session.Requester {
	return session.Requester{
		UserID:    s.conn.UserID(),
		Roles:     s.roles,
		ConnID:    s.conn.ID(),
		RequestID: requestID,
	}
}

func (s *connState) handle(ctx context.Context, payload []byte) {
	frame, err := protocol.DecodeRequest(payload)
	if err != nil {
		s.reject(frame, err)
		return
	}
	callID := strings.TrimSpace(frame.CallID)
	if callID == "" {
		s.reject(frame, calls.Fail(calls.ErrInvalidRequest, "callId is required"))
		return
	}
	frame.CallID = joinlink.Decode(callID)
	s.enqueue(ctx, frame)
}

// enqueue appends frame to its call's lane, starting a worker when the lane
// was idle.
func (s *connState) enqueue(ctx context.Context, frame protocol.Frame) {
	s.mu.Lock()
	current, running := s.lanes[frame.CallID]
	if running && len(current.queue) >= maxLaneBacklog {
		s.mu.Unlock()
		s.reject(frame, calls.Fail(calls.ErrInvalidRequest, "too many pending requests for this call"))
		return
	}
	if !running {
		current = &lane{}
		s.lanes[frame.CallID] = current
		s.inFlight.Add(1)
	}
	current.queue = append(current.queue, frame)
	s.mu.Unlock()
	if !running {
		go s.drain(ctx, frame.CallID, current)
	}
}

func (s *connState) drain(ctx context.Context, callID string, current *lane) {
	defer s.inFlight.Done()
	for {
		s.mu.Lock()
		if len(current.queue) == 0 {
			delete(s.lanes, callID)
			s.mu.Unlock()
			return
		}
		frame := current.queue[0]
		current.queue = current.queue[1:]
		s.mu.Unlock()
		if err := s.dispatch(ctx, callID, frame); err != nil {
			s.reject(frame, err)
		}
	}
}

func (s *connState) dispatch(ctx context.Context, callID string, frame protocol.Frame) error {
	registry := s.gateway.registry
	req := s.requester(frame.ID)
	switch message := frame.Message.(type) {
	case protocol.Join:
		return s.join(ctx, callID, req, message)
	case protocol.Leave:
		if err := registry.Leave(ctx, req, callID); err != nil {
			return err
		}
		s.forget(callID)
		return nil
	case protocol.ChatSend:
		_, err := registry.Chat(ctx, req, callID, message)
		return err
	case protocol.ShareResource:
		_, err := registry.ShareResource(ctx, req, callID, message)
		return err
	case protocol.UpdateLeadStatus:
		_, err := registry.UpdateLeadStatus(ctx, req, callID, message.Status)
		return err
	case protocol.SaveNotes:
		_, err := registry.SaveNotes(ctx, req, callID, message.Notes)
		return err
	case protocol.StartCall:
		_, err := registry.Start(ctx, req, callID)
		return err
	case protocol.EndCall:
		_, err := registry.End(ctx, req, callID, session.EndOptions{
			EngagementLevel:  message.EngagementLevel,
			LeadStatusUpdate: message.LeadStatusUpdate,
		})
		return err
	case protocol.CancelCall:
		_, err := registry.Cancel(ctx, req, callID)
		return err
	case protocol.CameraToggle:
		_, err := registry.ToggleCamera(ctx, req, callID, message)
		return err
	case protocol.MicState:
		_, err := registry.SetMicMuted(ctx, req, callID, message.Muted)
		return err
	case protocol.RTCOffer, protocol.RTCAnswer, protocol.RTCCandidate, protocol.RTCHangup:
		return registry.Relay(ctx, req, callID, message)
	default:
		return calls.Failf(calls.ErrInvalidRequest, "unsupported message type %q", frame.Type)
	}
}

func (s *connState) join(ctx context.Context, callID string, req session.Requester, message protocol.Join) error {
	result, err := s.gateway.registry.Join(ctx, session.JoinRequest{
		CallID:     callID,
		UserID:     req.UserID,
		Roles:      req.Roles,
		Token:      message.Token,
		ConnID:     req.ConnID,
		RequestID:  req.RequestID,
		Lifetime:   s.conn.Context(),
		OnOverflow: s.conn.Close,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.joined[callID] = result.Self.Role
	s.mu.Unlock()
	if result.Stream != nil {
		s.conn.Forward(result.Stream)
	}
	return nil
}

func (s *connState) forget(callID string) {
	s.mu.Lock()
	delete(s.joined, callID)
	s.mu.Unlock()
}

func (s *connState) isHost(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[callID] == calls.RoleHost
}

// reject answers a failed request on this connection only. Hosts read the
// specific reason; members get the generic message for the class.
func (s *connState) reject(frame protocol.Frame, err error) {
	code := calls.CodeOf(err)
	message := calls.GenericMessage(code)
	if code != calls.CodeInternal && (s.isHost(frame.CallID) || code == calls.CodeInvalidRequest) {
		message = calls.ReasonOf(err)
	}
	if code == calls.CodeInternal || errors.Is(err, context.DeadlineExceeded) {
		s.conn.Logger().Error("request failed", zap.String("type", string(frame.Type)), zap.Error(err))
	}
	s.conn.Send(protocol.NewFrame(frame.CallID, frame.ID, protocol.Error{
		Code:        code,
		Message:     message,
		RequestID:   frame.ID,
		RequestType: frame.Type,
	}))
}

// leaveAll detaches the connection from every call it still belongs to. The
// connection context is already cancelled, so a fresh one bounds the work.
func (s *connState) leaveAll() {
	s.mu.Lock()
	callIDs := make([]string, 0, len(s.joined))
	for callID := range s.joined {
		callIDs = append(callIDs, callID)
	}
	s.joined = make(map[string]calls.Role)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), leaveOnDisconnectTimeout)
	defer cancel()
	req := s.requester("")
	for _, callID := range callIDs {
		if err := s.gateway.registry.Leave(ctx, req, callID); err != nil && !errors.Is(err, calls.ErrCallNotFound) {
			s.conn.Logger().Warn("leave on disconnect failed", zap.String("call_id", callID), zap.Error(err))
		}
	}
}
