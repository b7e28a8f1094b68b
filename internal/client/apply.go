package client

import (
	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/media"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"go.uber.org/zap"
)

// apply folds one server frame into the session. It runs on the read loop,
// so frames are applied in the order the registry sent them.
func (s *Session) apply(frame protocol.Frame) {
	switch message := frame.Message.(type) {
	case protocol.Joined:
		s.applyJoined(frame.ID, message)
	case protocol.Participants:
		s.mu.Lock()
		if s.state != StateJoined {
			s.mu.Unlock()
			return
		}
		s.participants = message.Participants
		hostID := s.call.HostID
		manager := s.media
		s.mu.Unlock()
		if manager != nil {
			manager.Sync(hostID, media.ParticipantsFrom(message.Participants))
		}
	case protocol.EventMessage:
		s.applyEvent(message.Event)
	case protocol.CallEnded:
		s.mu.Lock()
		s.call = message.Call
		manager := s.media
		s.media = nil
		s.mu.Unlock()
		if manager != nil {
			manager.Close()
		}
	case protocol.Error:
		s.mu.Lock()
		waiter, waiting := s.waiters[frame.ID]
		var superseded *media.Manager
		switch {
		case waiting:
			delete(s.waiters, frame.ID)
			s.state = StateIdle
		case frame.ID == "" && message.Code == calls.CodeNotJoined && s.state == StateJoined:
			s.state = StateIdle
			superseded = s.media
			s.media = nil
		}
		s.mu.Unlock()
		if waiting {
			waiter <- frame
		}
		if superseded != nil {
			superseded.Close()
		}
	case protocol.RTCOffer, protocol.RTCAnswer, protocol.RTCCandidate, protocol.RTCHangup:
		manager := s.Media()
		if manager == nil {
			return
		}
		if err := manager.HandleSignal(frame.Message); err != nil {
			s.logger.Warn("signal not applied", zap.String("type", string(frame.Type)), zap.Error(err))
		}
	}
}

func (s *Session) applyJoined(requestID string, joined protocol.Joined) {
	s.mu.Lock()
	waiter, waiting := s.waiters[requestID]
	if !waiting {
		s.mu.Unlock()
		return
	}
	delete(s.waiters, requestID)
	s.state = StateJoined
	s.self = joined.Self
	s.call = joined.Call
	s.participants = joined.Participants
	manager := s.media
	if manager == nil && s.config.NewPeer != nil {
		created, err := media.NewManager(media.ManagerConfig{
			Self:     joined.Self,
			Signal:   s,
			NewPeer:  s.config.NewPeer,
			Devices:  s.config.Devices,
			Timeout:  s.config.NegotiationTimeout,
			OnChange: s.config.OnMediaChange,
			Logger:   s.logger,
		})
		if err != nil {
			s.logger.Warn("media disabled", zap.Error(err))
		} else {
			s.media = created
			manager = created
		}
	}
	s.mu.Unlock()

	s.timeline.ApplyAll(joined.Timeline)
	if manager != nil {
		manager.Sync(joined.Call.HostID, media.ParticipantsFrom(joined.Participants))
	}
	waiter <- protocol.NewFrame(joined.Call.ID, requestID, joined)
}

func (s *Session) applyEvent(event calls.TimelineEvent) {
	if !s.timeline.Apply(event) {
		return
	}
	s.mu.Lock()
	switch body := event.Body.(type) {
	case calls.StatusChange:
		s.call.Status = body.To
	case calls.LeadStatusChange:
		s.call.LeadStatus = body.Status
	}
	self := s.self
	manager := s.media
	s.mu.Unlock()

	if grant, ok := event.Body.(calls.PermissionGrant); ok && grant.Capability == "camera" && grant.Grantee == self && manager != nil {
		manager.SetCameraEnabled(grant.Granted)
	}
}
