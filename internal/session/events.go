package session

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"go.uber.org/zap"
)

const capabilityCamera = "camera"

// Chat appends a chat message from a joined participant.
func (r *Registry) Chat(ctx context.Context, req Requester, callID string, message protocol.ChatSend) (calls.TimelineEvent, error) {
	text := strings.TrimSpace(message.Message)
	if text == "" {
		return calls.TimelineEvent{}, calls.Fail(calls.ErrInvalidRequest, "message is empty")
	}
	scope, err := message.RecipientScope.Normalize()
	if err != nil {
		return calls.TimelineEvent{}, err
	}
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (calls.TimelineEvent, error) {
		if err := r.requireAppendable(a, req, r.allowPreCallChat); err != nil {
			return calls.TimelineEvent{}, err
		}
		if scope.Kind == calls.ScopeParticipant {
			if _, ok := a.members[scope.UserID]; !ok {
				return calls.TimelineEvent{}, calls.Fail(calls.ErrInvalidRequest, "recipient is not in the call")
			}
		}
		return r.appendEvent(ctx, a, req, calls.ChatMessage{Author: req.UserID, Body: text, Scope: scope})
	})
}

// ShareResource appends a resource shared with everyone.
func (r *Registry) ShareResource(ctx context.Context, req Requester, callID string, message protocol.ShareResource) (calls.TimelineEvent, error) {
	resource := message.Resource
	if strings.TrimSpace(resource.Type) == "" || strings.TrimSpace(resource.URL) == "" {
		return calls.TimelineEvent{}, calls.Fail(calls.ErrInvalidRequest, "resource type and url are required")
	}
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (calls.TimelineEvent, error) {
		if err := r.requireAppendable(a, req, false); err != nil {
			return calls.TimelineEvent{}, err
		}
		return r.appendEvent(ctx, a, req, calls.SharedResource{
			Type:     strings.ToLower(strings.TrimSpace(resource.Type)),
			URL:      strings.TrimSpace(resource.URL),
			Title:    strings.TrimSpace(resource.Title),
			SharedBy: req.UserID,
		})
	})
}

// requireAppendable checks the order callers rely on: a closed call wins over
// membership, which wins over the not-yet-started check.
func (r *Registry) requireAppendable(a *actor, req Requester, allowScheduled bool) error {
	if a.call.Status.Terminal() {
		return calls.Failf(calls.ErrCallClosed, "call is %s", strings.ToLower(string(a.call.Status)))
	}
	if _, err := a.memberFor(req); err != nil {
		return err
	}
	if a.call.Status == calls.StatusScheduled && !allowScheduled {
		return calls.Fail(calls.ErrInvalidRequest, "call has not started")
	}
	return nil
}

// appendEvent persists, applies and broadcasts one event. A request id seen
// before returns the original event and re-sends it to the requester only.
func (r *Registry) appendEvent(ctx context.Context, a *actor, req Requester, body calls.EventBody) (calls.TimelineEvent, error) {
	key := requestKey{userID: req.UserID, requestID: req.RequestID}
	if req.RequestID != "" {
		if original, ok := a.requests[key]; ok {
			if req.ConnID != "" {
				frame := protocol.NewFrame(a.callID, req.RequestID, protocol.EventMessage{Event: original})
				r.publish(a.callID, frame, realtime.Connection(req.ConnID))
			}
			return original, nil
		}
	}
	event := a.pendingEvents(req.UserID, r.now(), body)[0]
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logError("append_event", err, zap.String("call_id", a.callID), zap.Int64("seq", event.Seq))
		return calls.TimelineEvent{}, calls.Fail(calls.ErrPersistenceFailed, "could not record event")
	}
	a.commit(event)
	if req.RequestID != "" {
		a.remember(key, event)
	}
	a.broadcastEvent(r, req.RequestID, event)
	return event, nil
}

// UpdateLeadStatus records a lead status change during a live call and mirrors
// it to the CRM. The CRM write happens first so a failure changes nothing.
func (r *Registry) UpdateLeadStatus(ctx context.Context, req Requester, callID, status string) (calls.TimelineEvent, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		return calls.TimelineEvent{}, calls.Fail(calls.ErrInvalidRequest, "status is required")
	}
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (calls.TimelineEvent, error) {
		if err := r.requireOpenHost(a, req); err != nil {
			return calls.TimelineEvent{}, err
		}
		if a.call.Status != calls.StatusOngoing {
			return calls.TimelineEvent{}, calls.Fail(calls.ErrInvalidRequest, "call has not started")
		}
		key := requestKey{userID: req.UserID, requestID: req.RequestID}
		if original, ok := a.requests[key]; ok && req.RequestID != "" {
			return original, nil
		}
		if a.call.LeadReference != "" {
			if err := r.crm.UpdateLeadStatus(ctx, a.call.LeadReference, status); err != nil {
				r.logError("update_lead_status", err, zap.String("call_id", a.callID))
				return calls.TimelineEvent{}, calls.Fail(calls.ErrPersistenceFailed, "could not update the CRM lead")
			}
		}
		event := a.pendingEvents(req.UserID, r.now(), calls.LeadStatusChange{Status: status})[0]
		if err := r.store.RecordLeadStatus(ctx, event, status); err != nil {
			r.logError("update_lead_status", err, zap.String("call_id", a.callID))
			return calls.TimelineEvent{}, calls.Fail(calls.ErrPersistenceFailed, "could not record lead status")
		}
		a.commit(event)
		a.call.LeadStatus = status
		if req.RequestID != "" {
			a.remember(key, event)
		}
		a.broadcastEvent(r, req.RequestID, event)
		return event, nil
	})
}

// SaveNotes stores the host's private notes. Only the host's connections are told.
func (r *Registry) SaveNotes(ctx context.Context, req Requester, callID, notes string) (protocol.NotesSaved, error) {
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (protocol.NotesSaved, error) {
		if err := r.requireOpenHost(a, req); err != nil {
			return protocol.NotesSaved{}, err
		}
		if err := r.store.SaveNotes(ctx, a.callID, notes); err != nil {
			r.logError("save_notes", err, zap.String("call_id", a.callID))
			return protocol.NotesSaved{}, calls.Fail(calls.ErrPersistenceFailed, "could not save notes")
		}
		a.call.PrivateNotes = notes
		saved := protocol.NotesSaved{Notes: notes, SavedAt: r.now()}
		r.publish(a.callID, protocol.NewFrame(a.callID, req.RequestID, saved), realtime.Users(req.UserID))
		return saved, nil
	})
}

// ToggleCamera lets the host enable or disable a participant's shared camera.
func (r *Registry) ToggleCamera(ctx context.Context, req Requester, callID string, toggle protocol.CameraToggle) (calls.TimelineEvent, error) {
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (calls.TimelineEvent, error) {
		if err := r.requireOpenHost(a, req); err != nil {
			return calls.TimelineEvent{}, err
		}
		target, ok := a.members[toggle.UserID]
		if !ok {
			return calls.TimelineEvent{}, calls.Fail(calls.ErrInvalidRequest, "participant is not in the call")
		}
		if a.call.Status != calls.StatusOngoing {
			return calls.TimelineEvent{}, calls.Fail(calls.ErrInvalidRequest, "call has not started")
		}
		event, err := r.appendEvent(ctx, a, req, calls.PermissionGrant{
			Grantee:    toggle.UserID,
			Capability: capabilityCamera,
			Granted:    toggle.Enabled,
		})
		if err != nil {
			return calls.TimelineEvent{}, err
		}
		if target.participant.MediaState.CameraOn != toggle.Enabled {
			target.participant.MediaState.CameraOn = toggle.Enabled
			a.broadcastParticipants(r)
		}
		return event, nil
	})
}

// SetMicMuted records the requester's own microphone state. It needs no
// permission and leaves no timeline entry.
func (r *Registry) SetMicMuted(ctx context.Context, req Requester, callID string, muted bool) (calls.Participant, error) {
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (calls.Participant, error) {
		if a.call.Status.Terminal() {
			return calls.Participant{}, calls.Failf(calls.ErrCallClosed, "call is %s", strings.ToLower(string(a.call.Status)))
		}
		self, err := a.memberFor(req)
		if err != nil {
			return calls.Participant{}, err
		}
		if self.participant.MediaState.MicMuted != muted {
			self.participant.MediaState.MicMuted = muted
			a.broadcastParticipants(r)
		}
		return self.participant, nil
	})
}

// Relay forwards a signaling message to the addressed participant with the
// sender stamped in. Signaling is neither sequenced nor stored.
func (r *Registry) Relay(ctx context.Context, req Requester, callID string, message protocol.Message) error {
	stamped, to, err := stampSignal(message, req.UserID)
	if err != nil {
		return err
	}
	_, err = run(ctx, r, callID, func(ctx context.Context, a *actor) (struct{}, error) {
		if a.call.Status.Terminal() {
			return struct{}{}, calls.Failf(calls.ErrCallClosed, "call is %s", strings.ToLower(string(a.call.Status)))
		}
		if _, err := a.memberFor(req); err != nil {
			return struct{}{}, err
		}
		if to == req.UserID {
			return struct{}{}, calls.Fail(calls.ErrInvalidRequest, "cannot signal yourself")
		}
		if _, ok := a.members[to]; !ok {
			return struct{}{}, calls.Fail(calls.ErrInvalidRequest, "peer is not in the call")
		}
		r.publish(a.callID, protocol.NewFrame(a.callID, req.RequestID, stamped), realtime.Users(to))
		return struct{}{}, nil
	})
	return err
}

func stampSignal(message protocol.Message, from string) (protocol.Message, string, error) {
	switch typed := message.(type) {
	case protocol.RTCOffer:
		typed.From = from
		return typed, typed.To, nil
	case protocol.RTCAnswer:
		typed.From = from
		return typed, typed.To, nil
	case protocol.RTCCandidate:
		typed.From = from
		return typed, typed.To, nil
	case protocol.RTCHangup:
		typed.From = from
		return typed, typed.To, nil
	default:
		return nil, "", calls.Fail(calls.ErrInvalidRequest, "not a signaling message")
	}
}
