package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewCall describes a call being scheduled. The requester becomes its host.
type NewCall struct {
	LeadReference  string
	LeadName       string
	MeetingID      string
	ScheduledAt    *time.Time
	InviteOnly     bool
	InvitedUserIDs []string
}

// Snapshot is a read of a call together with who is currently in it.
type Snapshot struct {
	Call         calls.Call          `json:"call"`
	Participants []calls.Participant `json:"participants"`
}

// Create schedules a new call hosted by the requester.
func (r *Registry) Create(ctx context.Context, req Requester, details NewCall) (calls.Call, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return calls.Call{}, calls.Fail(calls.ErrInvalidRequest, "host is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return calls.Call{}, calls.Fail(calls.ErrPersistenceFailed, "could not allocate call id")
	}
	created, err := r.store.CreateCall(ctx, calls.Call{
		ID:             id.String(),
		Status:         calls.StatusScheduled,
		HostID:         req.UserID,
		LeadReference:  strings.TrimSpace(details.LeadReference),
		LeadName:       strings.TrimSpace(details.LeadName),
		MeetingID:      strings.TrimSpace(details.MeetingID),
		InviteOnly:     details.InviteOnly,
		InvitedUserIDs: details.InvitedUserIDs,
		ScheduledAt:    details.ScheduledAt,
	})
	if err != nil {
		r.logError("create_call", err, zap.String("host_id", req.UserID))
		return calls.Call{}, calls.Fail(calls.ErrPersistenceFailed, "could not create call")
	}
	r.logger.Info("call scheduled", zap.String("call_id", created.ID), zap.String("host_id", created.HostID))
	return created, nil
}

// Get returns the requester's view of a call. Invite-only calls are hidden
// from users who could not join them.
func (r *Registry) Get(ctx context.Context, req Requester, callID string) (Snapshot, error) {
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (Snapshot, error) {
		_, present := a.members[req.UserID]
		if a.call.InviteOnly && !present && !a.call.IsInvited(req.UserID) && !r.isHost(a.call, req) {
			return Snapshot{}, calls.Fail(calls.ErrForbidden, "not invited to this call")
		}
		return Snapshot{Call: r.viewFor(a.call, req), Participants: a.participants()}, nil
	})
}

// ResolveMeeting maps an external meeting id onto its call.
func (r *Registry) ResolveMeeting(ctx context.Context, req Requester, meetingID string) (Snapshot, error) {
	meetingID = strings.TrimSpace(meetingID)
	if meetingID == "" {
		return Snapshot{}, calls.Fail(calls.ErrInvalidRequest, "meeting id is required")
	}
	call, err := r.store.FindCallByMeetingID(ctx, meetingID)
	if err != nil {
		if errors.Is(err, calls.ErrCallNotFound) {
			return Snapshot{}, calls.Failf(calls.ErrCallNotFound, "no call for meeting %s", meetingID)
		}
		r.logError("resolve_meeting", err, zap.String("meeting_id", meetingID))
		return Snapshot{}, calls.Fail(calls.ErrPersistenceFailed, "could not look up meeting")
	}
	return r.Get(ctx, req, call.ID)
}
