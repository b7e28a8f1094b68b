package client

import (
	"context"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/media"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/google/uuid"
)

// Requests are fire and forget: each returns the request id, and the outcome
// arrives later on Events as a broadcast or a session:error carrying that id.
// Resending with the same id is safe; the registry answers a retried request
// with the original event.

func (s *Session) SendChat(message string, scope calls.RecipientScope) (string, error) {
	return s.request(protocol.ChatSend{Message: message, RecipientScope: scope})
}

func (s *Session) ShareResource(resourceType, url, title string) (string, error) {
	return s.request(protocol.ShareResource{Resource: protocol.ResourcePayload{Type: resourceType, URL: url, Title: title}})
}

func (s *Session) UpdateLeadStatus(status string) (string, error) {
	return s.request(protocol.UpdateLeadStatus{Status: status})
}

func (s *Session) SaveNotes(notes string) (string, error) {
	return s.request(protocol.SaveNotes{Notes: notes})
}

// AcquireDevices opens local capture when it is configured. Pairs already
// negotiating are renegotiated to carry it. The error stays on this client.
func (s *Session) AcquireDevices(ctx context.Context) error {
	manager := s.Media()
	if manager == nil || s.config.Devices == nil {
		return nil
	}
	_, err := manager.AcquireDevices(ctx, media.DeviceRequest{Video: true, Audio: true})
	return err
}

// StartCall acquires the host's devices first unless they are already open.
// A device failure is returned here and nothing is sent.
func (s *Session) StartCall(ctx context.Context) (string, error) {
	if manager := s.Media(); manager != nil && manager.Local() == nil {
		if err := s.AcquireDevices(ctx); err != nil {
			return "", err
		}
	}
	return s.request(protocol.StartCall{})
}

func (s *Session) EndCall(engagement calls.EngagementLevel, leadStatusUpdate string) (string, error) {
	return s.request(protocol.EndCall{EngagementLevel: engagement, LeadStatusUpdate: leadStatusUpdate})
}

func (s *Session) CancelCall() (string, error) {
	return s.request(protocol.CancelCall{})
}

// ToggleCamera is host-only; the registry rejects it from anyone else.
func (s *Session) ToggleCamera(userID string, enabled bool) (string, error) {
	return s.request(protocol.CameraToggle{UserID: userID, Enabled: enabled})
}

// SetMicMuted mutes locally at once and tells the others.
func (s *Session) SetMicMuted(muted bool) (string, error) {
	if manager := s.Media(); manager != nil {
		manager.SetMicMuted(muted)
	}
	return s.request(protocol.MicState{Muted: muted})
}

// RetryMedia restarts a failed negotiation with remote.
func (s *Session) RetryMedia(remote string) error {
	manager := s.Media()
	if manager == nil {
		return calls.Fail(calls.ErrPeerConnectionFailed, "media is not active")
	}
	return manager.Retry(remote)
}

// Resend repeats a request under its original id.
func (s *Session) Resend(requestID string, message protocol.Message) error {
	if s.State() != StateJoined {
		return ErrNotJoined
	}
	return s.write(protocol.NewFrame(s.config.CallID, requestID, message))
}

func (s *Session) request(message protocol.Message) (string, error) {
	requestID := uuid.NewString()
	if err := s.Resend(requestID, message); err != nil {
		return "", err
	}
	return requestID, nil
}
