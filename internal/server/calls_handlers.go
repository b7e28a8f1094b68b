package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/joinlink"
	"github.com/MarcoPoloResearchLab/callroom/internal/media"
	"github.com/MarcoPoloResearchLab/callroom/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createCallPayload struct {
	LeadReference  string     `json:"leadReference" binding:"max=128"`
	LeadName       string     `json:"leadName" binding:"max=256"`
	MeetingID      string     `json:"meetingId" binding:"max=128"`
	ScheduledAt    *time.Time `json:"scheduledAt"`
	InviteOnly     bool       `json:"inviteOnly"`
	InvitedUserIDs []string   `json:"invitedUserIds" binding:"max=100,dive,required"`
}

type callPayload struct {
	Call     calls.Call `json:"call"`
	JoinLink string     `json:"joinLink,omitempty"`
}

type endCallPayload struct {
	EngagementLevel  calls.EngagementLevel `json:"engagementLevel" binding:"omitempty,oneof=LOW MEDIUM HIGH"`
	LeadStatusUpdate string                `json:"leadStatusUpdate" binding:"max=64"`
}

type leadStatusPayload struct {
	Status string `json:"status" binding:"required,max=64"`
}

type invitesPayload struct {
	UserIDs   []string `json:"userIds" binding:"max=100"`
	IssueLink bool     `json:"issueLink"`
}

type invitePayload struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	JoinLink  string    `json:"joinLink,omitempty"`
}

type notesPayload struct {
	Notes string `json:"notes" binding:"max=20000"`
}

type resolveJoinPayload struct {
	Slug  string `json:"slug"`
	Token string `json:"token" binding:"required"`
}

// callID accepts both join-link slugs and raw call ids.
func callID(c *gin.Context) string {
	return joinlink.Decode(c.Param("id"))
}

func (h *httpHandler) joinLink(call calls.Call, token string) string {
	if h.joinLinkBaseURL == "" {
		return ""
	}
	link, err := joinlink.Link(h.joinLinkBaseURL, call.ID, call.LeadName, token)
	if err != nil {
		h.logger.Warn("join link not built", zap.String("call_id", call.ID), zap.Error(err))
		return ""
	}
	return link
}

func (h *httpHandler) handleCreateCall(c *gin.Context) {
	var request createCallPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, calls.Failf(calls.ErrInvalidRequest, "%v", err), true)
		return
	}
	created, err := h.registry.Create(c.Request.Context(), requesterFrom(c), session.NewCall{
		LeadReference:  request.LeadReference,
		LeadName:       request.LeadName,
		MeetingID:      request.MeetingID,
		ScheduledAt:    request.ScheduledAt,
		InviteOnly:     request.InviteOnly,
		InvitedUserIDs: request.InvitedUserIDs,
	})
	if err != nil {
		h.respondError(c, err, true)
		return
	}
	respond(c, http.StatusCreated, callPayload{Call: created, JoinLink: h.joinLink(created, "")})
}

func (h *httpHandler) handleGetCall(c *gin.Context) {
	snapshot, err := h.registry.Get(c.Request.Context(), requesterFrom(c), callID(c))
	if err != nil {
		h.respondError(c, err, false)
		return
	}
	respond(c, http.StatusOK, snapshot)
}

func (h *httpHandler) handleStartCall(c *gin.Context) {
	call, err := h.registry.Start(c.Request.Context(), requesterFrom(c), callID(c))
	if err != nil {
		h.respondError(c, err, true)
		return
	}
	respond(c, http.StatusOK, call)
}

func (h *httpHandler) handleEndCall(c *gin.Context) {
	var request endCallPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, calls.Failf(calls.ErrInvalidRequest, "%v", err), true)
		return
	}
	ended, err := h.registry.End(c.Request.Context(), requesterFrom(c), callID(c), session.EndOptions{
		EngagementLevel:  request.EngagementLevel,
		LeadStatusUpdate: request.LeadStatusUpdate,
	})
	if err != nil {
		h.respondError(c, err, true)
		return
	}
	respond(c, http.StatusOK, ended)
}

func (h *httpHandler) handleCancelCall(c *gin.Context) {
	call, err := h.registry.Cancel(c.Request.Context(), requesterFrom(c), callID(c))
	if err != nil {
		h.respondError(c, err, true)
		return
	}
	respond(c, http.StatusOK, call)
}

func (h *httpHandler) handleLeadStatus(c *gin.Context) {
	var request leadStatusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, calls.Failf(calls.ErrInvalidRequest, "%v", err), true)
		return
	}
	event, err := h.registry.UpdateLeadStatus(c.Request.Context(), requesterFrom(c), callID(c), request.Status)
	if err != nil {
		h.respondError(c, err, true)
		return
	}
	respond(c, http.StatusOK, event)
}

func (h *httpHandler) handleInvites(c *gin.Context) {
	var request invitesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, calls.Failf(calls.ErrInvalidRequest, "%v", err), true)
		return
	}
	if len(request.UserIDs) == 0 && !request.IssueLink {
		h.respondError(c, calls.Fail(calls.ErrInvalidRequest, "nothing to invite"), true)
		return
	}
	ctx := c.Request.Context()
	requester := requesterFrom(c)
	id := callID(c)

	response := gin.H{}
	if len(request.UserIDs) > 0 {
		call, err := h.registry.Invite(ctx, requester, id, request.UserIDs)
		if err != nil {
			h.respondError(c, err, true)
			return
		}
		response["call"] = call
	}
	if request.IssueLink {
		invite, err := h.registry.IssueInvite(ctx, requester, id)
		if err != nil {
			h.respondError(c, err, true)
			return
		}
		snapshot, err := h.registry.Get(ctx, requester, id)
		if err != nil {
			h.respondError(c, err, true)
			return
		}
		response["call"] = snapshot.Call
		response["invite"] = invitePayload{
			Token:     invite.Token,
			ExpiresAt: invite.ExpiresAt,
			JoinLink:  h.joinLink(snapshot.Call, invite.Token),
		}
	}
	respond(c, http.StatusOK, response)
}

func (h *httpHandler) handleSaveNotes(c *gin.Context) {
	var request notesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, calls.Failf(calls.ErrInvalidRequest, "%v", err), true)
		return
	}
	saved, err := h.registry.SaveNotes(c.Request.Context(), requesterFrom(c), callID(c), request.Notes)
	if err != nil {
		h.respondError(c, err, true)
		return
	}
	respond(c, http.StatusOK, saved)
}

// handleResolveJoin checks an invitation link without joining. When the link
// slug is supplied it must name the same call as the token.
func (h *httpHandler) handleResolveJoin(c *gin.Context) {
	var request resolveJoinPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, calls.Failf(calls.ErrInvalidRequest, "%v", err), false)
		return
	}
	call, err := h.registry.ResolveInvite(c.Request.Context(), requesterFrom(c), request.Token)
	if err != nil {
		h.respondError(c, err, false)
		return
	}
	if slug := strings.TrimSpace(request.Slug); slug != "" && joinlink.Decode(slug) != call.ID {
		h.respondError(c, calls.Fail(calls.ErrJoinRejected, "link does not match its token"), false)
		return
	}
	respond(c, http.StatusOK, callPayload{Call: call, JoinLink: h.joinLink(call, request.Token)})
}

func (h *httpHandler) handleResolveMeeting(c *gin.Context) {
	snapshot, err := h.registry.ResolveMeeting(c.Request.Context(), requesterFrom(c), c.Param("meetingId"))
	if err != nil {
		h.respondError(c, err, false)
		return
	}
	respond(c, http.StatusOK, callPayload{Call: snapshot.Call, JoinLink: h.joinLink(snapshot.Call, "")})
}

type iceServerPayload struct {
	URLs []string `json:"urls"`
}

type rtcConfigPayload struct {
	ICEServers                []iceServerPayload `json:"iceServers"`
	NegotiationTimeoutSeconds int64              `json:"negotiationTimeoutSeconds"`
}

func (h *httpHandler) handleRTCConfig(c *gin.Context) {
	servers := media.ICEServers(h.iceURLs)
	payload := rtcConfigPayload{
		ICEServers:                make([]iceServerPayload, 0, len(servers)),
		NegotiationTimeoutSeconds: int64(h.negotiationTimeout / time.Second),
	}
	for _, server := range servers {
		payload.ICEServers = append(payload.ICEServers, iceServerPayload{URLs: server.URLs})
	}
	if payload.NegotiationTimeoutSeconds <= 0 {
		payload.NegotiationTimeoutSeconds = int64(media.DefaultNegotiationTimeout / time.Second)
	}
	respond(c, http.StatusOK, payload)
}
