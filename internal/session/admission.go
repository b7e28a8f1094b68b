package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/auth"
	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// JoinRequest asks to attach one connection to a call.
type JoinRequest struct {
	CallID string
	UserID string
	Roles  []string
	// Token is a secure access token from an invitation link. Optional.
	Token     string
	ConnID    string
	RequestID string
	// Lifetime bounds the subscription; it ends when the connection does.
	Lifetime   context.Context
	OnOverflow func()
}

// JoinResult is the accepted join. Stream is nil when the connection was
// already joined, since its existing subscription stays in place.
type JoinResult struct {
	Self         calls.Participant
	Call         calls.Call
	Participants []calls.Participant
	Stream       <-chan protocol.Frame
}

// Join admits a connection to a call, sends it a snapshot and broadcasts the
// new participant list. A join from a new connection of an already present
// user supersedes the old connection.
func (r *Registry) Join(ctx context.Context, request JoinRequest) (JoinResult, error) {
	req := Requester{UserID: request.UserID, Roles: request.Roles, ConnID: request.ConnID, RequestID: request.RequestID}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ConnID) == "" {
		return JoinResult{}, calls.Fail(calls.ErrInvalidRequest, "user and connection are required")
	}
	result, err := run(ctx, r, request.CallID, func(ctx context.Context, a *actor) (JoinResult, error) {
		if err := r.admit(ctx, a, req, request.Token); err != nil {
			return JoinResult{}, err
		}

		var stream <-chan protocol.Frame
		existing, present := a.members[req.UserID]
		if !present || existing.connID != req.ConnID {
			if present {
				r.publish(a.callID, protocol.NewFrame(a.callID, "", protocol.Error{
					Code:    calls.CodeNotJoined,
					Message: "joined from another connection",
				}), realtime.Connection(existing.connID))
				a.removeMember(req.UserID)
			}
			lifetime := request.Lifetime
			if lifetime == nil {
				lifetime = context.Background()
			}
			subscription, cleanup := r.fanout.Subscribe(lifetime, a.callID, realtime.Subscriber{
				ConnID:     req.ConnID,
				UserID:     req.UserID,
				OnOverflow: request.OnOverflow,
			})
			stream = subscription
			role := calls.RoleMember
			if r.isHost(a.call, req) {
				role = calls.RoleHost
			}
			a.members[req.UserID] = &member{
				participant: calls.Participant{
					UserID:          req.UserID,
					Role:            role,
					ConnectionState: calls.ConnectionConnected,
					JoinedAt:        r.now(),
				},
				connID:  req.ConnID,
				cleanup: cleanup,
			}
			a.order = append(a.order, req.UserID)
			a.everJoined[req.UserID] = struct{}{}
		}

		self := a.members[req.UserID].participant
		view := r.viewFor(a.call, req)
		participants := a.participants()
		r.publish(a.callID, protocol.NewFrame(a.callID, req.RequestID, protocol.Joined{
			Self:         req.UserID,
			Call:         view,
			Participants: participants,
			Timeline:     a.visibleTimeline(req.UserID),
		}), realtime.Connection(req.ConnID))
		a.broadcastParticipants(r)

		r.logger.Info("participant joined",
			zap.String("call_id", a.callID),
			zap.String("user_id", req.UserID),
			zap.String("conn_id", req.ConnID),
			zap.String("role", string(self.Role)),
		)
		return JoinResult{Self: self, Call: view, Participants: participants, Stream: stream}, nil
	})
	if err != nil && errors.Is(err, calls.ErrCallNotFound) {
		return JoinResult{}, calls.Fail(calls.ErrJoinRejected, "call not found")
	}
	return result, err
}

// admit decides whether req may enter the call. A presented token must be
// valid even for users who are invited anyway.
func (r *Registry) admit(ctx context.Context, a *actor, req Requester, token string) error {
	if a.call.Status.Terminal() {
		return calls.Failf(calls.ErrJoinRejected, "call is %s", strings.ToLower(string(a.call.Status)))
	}
	token = strings.TrimSpace(token)
	if token != "" {
		return r.redeem(ctx, a.call, req.UserID, token)
	}
	if a.call.InviteOnly && !a.call.IsInvited(req.UserID) && !r.isHost(a.call, req) {
		return calls.Fail(calls.ErrJoinRejected, "not invited to this call")
	}
	return nil
}

func (r *Registry) redeem(ctx context.Context, call calls.Call, userID, token string) error {
	claims, err := r.invites.ValidateInvite(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredInvite) {
			return calls.Fail(calls.ErrJoinRejected, "invite link has expired")
		}
		return calls.Fail(calls.ErrJoinRejected, "invite link is invalid")
	}
	if claims.CallID != call.ID || claims.ID == "" || claims.ID != call.SecureTokenID {
		return calls.Fail(calls.ErrJoinRejected, "invite link is no longer valid for this call")
	}
	if r.guard == nil {
		return nil
	}
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(r.clock())
	}
	allowed, err := r.guard.Claim(ctx, claims.ID, userID, ttl)
	if err != nil {
		r.logError("redeem_invite", err, zap.String("call_id", call.ID))
		return calls.Fail(calls.ErrJoinRejected, "invite link could not be verified")
	}
	if !allowed {
		return calls.Fail(calls.ErrJoinRejected, "invite link has already been used")
	}
	return nil
}

// Leave detaches a connection. A leave from a connection that has since been
// superseded is ignored. The host leaving does not end the call.
func (r *Registry) Leave(ctx context.Context, req Requester, callID string) error {
	_, err := run(ctx, r, callID, func(ctx context.Context, a *actor) (struct{}, error) {
		existing, ok := a.members[req.UserID]
		if !ok || (req.ConnID != "" && existing.connID != req.ConnID) {
			return struct{}{}, nil
		}
		a.removeMember(req.UserID)
		a.broadcastParticipants(r)
		r.logger.Info("participant left",
			zap.String("call_id", a.callID),
			zap.String("user_id", req.UserID),
			zap.String("conn_id", existing.connID),
		)
		return struct{}{}, nil
	})
	return err
}

// ResolveInvite checks that token admits req to its call without joining.
func (r *Registry) ResolveInvite(ctx context.Context, req Requester, token string) (calls.Call, error) {
	claims, err := r.invites.ValidateInvite(strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, auth.ErrExpiredInvite) {
			return calls.Call{}, calls.Fail(calls.ErrJoinRejected, "invite link has expired")
		}
		return calls.Call{}, calls.Fail(calls.ErrJoinRejected, "invite link is invalid")
	}
	call, err := run(ctx, r, claims.CallID, func(ctx context.Context, a *actor) (calls.Call, error) {
		if err := r.admit(ctx, a, req, token); err != nil {
			return calls.Call{}, err
		}
		return r.viewFor(a.call, req), nil
	})
	if err != nil && errors.Is(err, calls.ErrCallNotFound) {
		return calls.Call{}, calls.Fail(calls.ErrJoinRejected, "call not found")
	}
	return call, err
}

// IssueInvite signs a new secure access token for the call. Earlier tokens
// stop working.
func (r *Registry) IssueInvite(ctx context.Context, req Requester, callID string) (auth.Invite, error) {
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (auth.Invite, error) {
		if err := r.requireOpenHost(a, req); err != nil {
			return auth.Invite{}, err
		}
		invite, err := r.invites.IssueInvite(ctx, a.callID)
		if err != nil {
			r.logError("issue_invite", err, zap.String("call_id", a.callID))
			return auth.Invite{}, calls.Fail(calls.ErrPersistenceFailed, "could not issue invite link")
		}
		if err := r.store.SetSecureTokenID(ctx, a.callID, invite.TokenID); err != nil {
			r.logError("issue_invite", err, zap.String("call_id", a.callID))
			return auth.Invite{}, calls.Fail(calls.ErrPersistenceFailed, "could not store invite link")
		}
		a.call.SecureTokenID = invite.TokenID
		a.call.InviteOnly = true
		return invite, nil
	})
}

// Invite adds users to the call's member list.
func (r *Registry) Invite(ctx context.Context, req Requester, callID string, userIDs []string) (calls.Call, error) {
	userIDs = lo.Compact(lo.Uniq(lo.Map(userIDs, func(userID string, _ int) string {
		return strings.TrimSpace(userID)
	})))
	if len(userIDs) == 0 {
		return calls.Call{}, calls.Fail(calls.ErrInvalidRequest, "at least one user id is required")
	}
	return run(ctx, r, callID, func(ctx context.Context, a *actor) (calls.Call, error) {
		if err := r.requireOpenHost(a, req); err != nil {
			return calls.Call{}, err
		}
		if err := r.store.AddInvites(ctx, a.callID, userIDs); err != nil {
			r.logError("invite", err, zap.String("call_id", a.callID))
			return calls.Call{}, calls.Fail(calls.ErrPersistenceFailed, "could not store invites")
		}
		a.call.InvitedUserIDs = lo.Uniq(append(a.call.InvitedUserIDs, userIDs...))
		return a.call, nil
	})
}

func (r *Registry) requireOpenHost(a *actor, req Requester) error {
	if a.call.Status.Terminal() {
		return calls.Failf(calls.ErrCallClosed, "call is %s", strings.ToLower(string(a.call.Status)))
	}
	if !r.isHost(a.call, req) {
		return calls.Fail(calls.ErrForbidden, "only the host may do this")
	}
	return nil
}
