// Package client is a Go consumer of the transport channel. A Session is
// owned by one call view: it is created on entry, tears down everything it
// started on Close, and never shares its connection with another call.
package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/joinlink"
	"github.com/MarcoPoloResearchLab/callroom/internal/media"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/timeline"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultJoinTimeout  = 10 * time.Second
	defaultEventBuffer  = 256
	defaultWriteTimeout = 10 * time.Second
)

var (
	ErrJoinTimeout   = errors.New("join timed out")
	ErrSessionClosed = errors.New("session closed")
	ErrNotJoined     = errors.New("session not joined")
)

// State is the client's view of its membership.
type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateJoined  State = "joined"
	StateClosed  State = "closed"
)

type Config struct {
	// URL is the transport endpoint, for example ws://host/ws.
	URL         string
	BearerToken string
	CallID      string
	JoinTimeout time.Duration
	EventBuffer int
	Dialer      *websocket.Dialer
	// NewPeer enables media negotiation. Without it the session carries
	// signaling for nobody and ignores relayed messages.
	NewPeer            media.PeerFactory
	Devices            media.DeviceAcquirer
	NegotiationTimeout time.Duration
	OnMediaChange      func(remote string, state media.State, err error)
	Logger             *zap.Logger
}

// Session is one client connection scoped to one call.
type Session struct {
	config   Config
	ws       *websocket.Conn
	logger   *zap.Logger
	timeline *timeline.Aggregator
	events   chan protocol.Frame

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	self         string
	call         calls.Call
	participants []calls.Participant
	media        *media.Manager
	waiters      map[string]chan protocol.Frame

	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial opens the transport channel, authenticated once with the bearer token.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("client requires a transport url")
	}
	if strings.TrimSpace(cfg.CallID) == "" {
		return nil, errors.New("client requires a call id")
	}
	cfg.CallID = joinlink.Decode(strings.TrimSpace(cfg.CallID))
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if cfg.BearerToken != "" {
		header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}
	ws, response, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, calls.Fail(calls.ErrForbidden, "transport rejected the bearer token")
		}
		return nil, err
	}
	session := &Session{
		config:   cfg,
		ws:       ws,
		logger:   logger.With(zap.String("call_id", cfg.CallID)),
		timeline: timeline.New(),
		events:   make(chan protocol.Frame, cfg.EventBuffer),
		state:    StateIdle,
		waiters:  make(map[string]chan protocol.Frame),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go session.readLoop()
	return session, nil
}

// JoinResult is the snapshot delivered on an accepted join.
type JoinResult struct {
	Self         string
	Call         calls.Call
	Participants []calls.Participant
}

// Join asks the registry to admit this session. If no answer arrives within
// the join timeout the session sends a best-effort leave, returns to idle and
// reports ErrJoinTimeout, so it is never left half joined.
func (s *Session) Join(ctx context.Context, inviteToken string) (JoinResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return JoinResult{}, ErrSessionClosed
	case StateJoining:
		s.mu.Unlock()
		return JoinResult{}, calls.Fail(calls.ErrInvalidRequest, "join already in flight")
	}
	s.state = StateJoining
	requestID := uuid.NewString()
	reply := make(chan protocol.Frame, 1)
	s.waiters[requestID] = reply
	s.mu.Unlock()

	if err := s.write(protocol.NewFrame(s.config.CallID, requestID, protocol.Join{Token: inviteToken})); err != nil {
		s.abandonJoin(requestID, nil, false)
		return JoinResult{}, err
	}

	timer := time.NewTimer(s.config.JoinTimeout)
	defer timer.Stop()
	select {
	case frame := <-reply:
		return s.joinResult(requestID, frame)
	case <-timer.C:
		if frame, completed := s.abandonJoin(requestID, reply, true); completed {
			return s.joinResult(requestID, frame)
		}
		return JoinResult{}, ErrJoinTimeout
	case <-ctx.Done():
		if frame, completed := s.abandonJoin(requestID, reply, true); completed {
			return s.joinResult(requestID, frame)
		}
		return JoinResult{}, ctx.Err()
	case <-s.done:
		return JoinResult{}, ErrSessionClosed
	}
}

func (s *Session) joinResult(requestID string, frame protocol.Frame) (JoinResult, error) {
	switch message := frame.Message.(type) {
	case protocol.Joined:
		return JoinResult{Self: message.Self, Call: message.Call, Participants: message.Participants}, nil
	case protocol.Error:
		return JoinResult{}, calls.FromCode(message.Code, message.Message)
	}
	s.abandonJoin(requestID, nil, true)
	return JoinResult{}, calls.Failf(calls.ErrInvalidRequest, "unexpected join reply %s", frame.Type)
}

// abandonJoin withdraws a join that gave up waiting. If the read loop already
// claimed the reply the join went through, and that reply is returned instead.
// Otherwise the session returns to idle, drops any media and optionally tells
// the registry it left.
func (s *Session) abandonJoin(requestID string, reply <-chan protocol.Frame, sendLeave bool) (protocol.Frame, bool) {
	s.mu.Lock()
	_, pending := s.waiters[requestID]
	if !pending && reply != nil {
		s.mu.Unlock()
		select {
		case frame := <-reply:
			return frame, true
		case <-s.done:
			return protocol.Frame{}, false
		}
	}
	delete(s.waiters, requestID)
	if s.state != StateClosed {
		s.state = StateIdle
	}
	manager := s.media
	s.media = nil
	s.participants = nil
	s.mu.Unlock()
	if manager != nil {
		manager.Close()
	}
	if sendLeave {
		if err := s.write(protocol.NewFrame(s.config.CallID, uuid.NewString(), protocol.Leave{})); err != nil {
			s.logger.Debug("leave after abandoned join not sent", zap.Error(err))
		}
	}
	return protocol.Frame{}, false
}

// Leave detaches from the call but keeps the connection open.
func (s *Session) Leave() error {
	s.mu.Lock()
	wasJoined := s.state == StateJoined
	if s.state != StateClosed {
		s.state = StateIdle
	}
	manager := s.media
	s.media = nil
	s.participants = nil
	s.mu.Unlock()
	if manager != nil {
		manager.Close()
	}
	if !wasJoined {
		return nil
	}
	return s.write(protocol.NewFrame(s.config.CallID, uuid.NewString(), protocol.Leave{}))
}

// Close tears down media, the connection and the event stream.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		joined := s.state == StateJoined
		s.state = StateClosed
		manager := s.media
		s.media = nil
		s.mu.Unlock()

		if manager != nil {
			manager.Close()
		}
		if joined {
			_ = s.write(protocol.NewFrame(s.config.CallID, uuid.NewString(), protocol.Leave{}))
		}
		close(s.done)
		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.ws.Close()
		<-s.readDone
	})
	return err
}

// Events delivers every frame after the session has applied it. The channel
// closes when the session does. A consumer that falls behind loses frames;
// the timeline view stays complete regardless.
func (s *Session) Events() <-chan protocol.Frame {
	return s.events
}

func (s *Session) Timeline() *timeline.Aggregator {
	return s.timeline
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Call is the read-only projection of the call last received.
func (s *Session) Call() calls.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *Session) Participants() []calls.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]calls.Participant(nil), s.participants...)
}

func (s *Session) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Media is the negotiation manager, nil until joined or when media is off.
func (s *Session) Media() *media.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// Signal sends a signaling message for the media layer.
func (s *Session) Signal(message protocol.Message) error {
	return s.write(protocol.NewFrame(s.config.CallID, "", message))
}

func (s *Session) write(frame protocol.Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	defer close(s.events)
	for {
		_, payload, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Info("transport closed", zap.Error(err))
				s.mu.Lock()
				if s.state != StateClosed {
					s.state = StateIdle
				}
				manager := s.media
				s.media = nil
				s.mu.Unlock()
				if manager != nil {
					manager.Close()
				}
			}
			return
		}
		frame, err := protocol.Decode(payload)
		if err != nil {
			s.logger.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		s.apply(frame)
		select {
		case s.events <- frame:
		default:
			s.logger.Warn("event consumer behind, frame dropped", zap.String("type", string(frame.Type)))
		}
	}
}
