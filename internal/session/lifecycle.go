package session

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/crm"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/MarcoPoloResearchLab/callroom/internal/records"
	"go.uber.org/zap"
)

// EndOptions are the host's inputs to ending a call.
type EndOptions struct {
	EngagementLevel  calls.EngagementLevel
	LeadStatusUpdate string
}

// Start moves a scheduled call to ONGOING.
func (r *Registry) Start(ctx context.Context, req Requester, callID string) (calls.Call, error) {
	return r.Transition(ctx, req, callID, calls.StatusOngoing)
}

// Cancel moves a scheduled or ongoing call to CANCELLED.
func (r *Registry) Cancel(ctx context.Context, req Requester, callID string) (calls.Call, error) {
	return r.Transition(ctx, req, callID, calls.StatusCancelled)
}

// Transition drives the lifecycle on behalf of the host. Completing a call goes
// through End so insights are always compiled.
func (r *Registry) Transition(ctx context.Context, req Requester, callID string, to calls.Status) (calls.Call, error) {
	if to == calls.StatusCompleted {
		ended, err := r.End(ctx, req, callID, EndOptions{})
		return ended.Call, err
	}
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (calls.Call, error) {
		if err := r.checkTransition(a, req, to); err != nil {
			return calls.Call{}, err
		}
		now := r.now()
		from := a.call.Status
		events := a.pendingEvents(req.UserID, now, calls.StatusChange{From: from, To: to})
		if err := r.store.Transition(ctx, records.StatusUpdate{
			CallID: a.callID,
			From:   from,
			To:     to,
			At:     now,
			Events: events,
		}); err != nil {
			r.logError("transition", err, zap.String("call_id", a.callID), zap.String("to", string(to)))
			return calls.Call{}, calls.Fail(calls.ErrPersistenceFailed, "could not record status change")
		}
		a.call.Status = to
		if to == calls.StatusOngoing {
			a.call.StartedAt = &now
		} else {
			a.call.EndedAt = &now
		}
		a.commit(events...)
		a.broadcastEvent(r, req.RequestID, events[0])
		r.logger.Info("call status changed",
			zap.String("call_id", a.callID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return r.viewFor(a.call, req), nil
	})
}

// checkTransition enforces who may move the call and where to. A closed call
// reports CallClosed before anything else.
func (r *Registry) checkTransition(a *actor, req Requester, to calls.Status) error {
	if a.call.Status.Terminal() {
		return calls.Failf(calls.ErrCallClosed, "call is %s", strings.ToLower(string(a.call.Status)))
	}
	if !r.isHost(a.call, req) {
		return calls.Fail(calls.ErrForbidden, "only the host may change the call status")
	}
	return calls.CheckTransition(a.call.Status, to)
}

// End completes an ongoing call. Insights are compiled and written to the CRM
// and the call store before anyone is told, so observers see either the
// ongoing call or the completed call with its insights. Any failed write leaves
// the call ONGOING and is reported to the host.
func (r *Registry) End(ctx context.Context, req Requester, callID string, opts EndOptions) (protocol.CallEnded, error) {
	leadStatus := strings.TrimSpace(opts.LeadStatusUpdate)
	if opts.EngagementLevel != "" && !opts.EngagementLevel.Valid() {
		return protocol.CallEnded{}, calls.Failf(calls.ErrInvalidRequest, "unknown engagement level %q", opts.EngagementLevel)
	}
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (protocol.CallEnded, error) {
		if err := r.checkTransition(a, req, calls.StatusCompleted); err != nil {
			return protocol.CallEnded{}, err
		}
		now := r.now()
		insights := CompileInsights(a.timeline, len(a.everJoined), a.call.StartedAt, now, opts.EngagementLevel)

		if a.call.LeadReference != "" {
			if leadStatus != "" {
				if err := r.crm.UpdateLeadStatus(ctx, a.call.LeadReference, leadStatus); err != nil {
					r.logError("end_call", err, zap.String("call_id", a.callID), zap.String("step", "lead_status"))
					return protocol.CallEnded{}, calls.Fail(calls.ErrPersistenceFailed, "could not update the CRM lead, the call is still ongoing")
				}
			}
			summary := crm.CallSummary{CallID: a.callID, HostID: a.call.HostID, EndedAt: now, Insights: insights}
			if err := r.crm.RecordCallSummary(ctx, a.call.LeadReference, summary); err != nil {
				r.logError("end_call", err, zap.String("call_id", a.callID), zap.String("step", "call_summary"))
				return protocol.CallEnded{}, calls.Fail(calls.ErrPersistenceFailed, "could not save call insights to the CRM, the call is still ongoing")
			}
		}

		bodies := make([]calls.EventBody, 0, 2)
		if leadStatus != "" {
			bodies = append(bodies, calls.LeadStatusChange{Status: leadStatus})
		}
		bodies = append(bodies, calls.StatusChange{From: calls.StatusOngoing, To: calls.StatusCompleted})
		events := a.pendingEvents(req.UserID, now, bodies...)
		if err := r.store.Transition(ctx, records.StatusUpdate{
			CallID:     a.callID,
			From:       calls.StatusOngoing,
			To:         calls.StatusCompleted,
			At:         now,
			Insights:   &insights,
			LeadStatus: leadStatus,
			Events:     events,
		}); err != nil {
			r.logError("end_call", err, zap.String("call_id", a.callID), zap.String("step", "call_record"))
			return protocol.CallEnded{}, calls.Fail(calls.ErrPersistenceFailed, "could not save the call record, the call is still ongoing")
		}

		a.call.Status = calls.StatusCompleted
		a.call.EndedAt = &now
		a.call.Insights = &insights
		if leadStatus != "" {
			a.call.LeadStatus = leadStatus
		}
		a.commit(events...)
		for _, event := range events {
			a.broadcastEvent(r, req.RequestID, event)
		}
		ended := protocol.CallEnded{Call: a.call.ViewFor(""), Insights: insights}
		r.publish(a.callID, protocol.NewFrame(a.callID, req.RequestID, ended), realtime.Everyone())
		r.logger.Info("call completed",
			zap.String("call_id", a.callID),
			zap.String("engagement", string(insights.EngagementLevel)),
			zap.Int("participants", insights.ParticipantCount),
		)
		return ended, nil
	})
}
