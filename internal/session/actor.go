package session

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// maxRememberedRequests bounds the request ids kept for retry detection.
const maxRememberedRequests = 512

// actor holds the live state of one call. Only its own goroutine touches it.
type actor struct {
	callID  string
	mailbox chan task

	loaded   bool
	call     calls.Call
	timeline []calls.TimelineEvent
	nextSeq  int64

	members    map[string]*member
	order      []string
	everJoined map[string]struct{}
	requests   map[requestKey]calls.TimelineEvent
	// requestOrder lists requests keys oldest first.
	requestOrder []requestKey
	lastActive   time.Time
}

type member struct {
	participant calls.Participant
	connID      string
	cleanup     func()
}

type requestKey struct {
	userID    string
	requestID string
}

func newActor(callID string, mailboxSize int, now time.Time) *actor {
	return &actor{
		callID:     callID,
		mailbox:    make(chan task, mailboxSize),
		members:    make(map[string]*member),
		everJoined: make(map[string]struct{}),
		requests:   make(map[requestKey]calls.TimelineEvent),
		lastActive: now,
	}
}

// ensureLoaded reads the call and its timeline on first use. A call that does
// not exist retires the actor straight away.
func (a *actor) ensureLoaded(ctx context.Context, r *Registry) error {
	if a.loaded {
		return nil
	}
	call, err := r.store.LoadCall(ctx, a.callID)
	if err != nil {
		if errors.Is(err, calls.ErrCallNotFound) {
			r.retire(a)
			return calls.Failf(calls.ErrCallNotFound, "call %s does not exist", a.callID)
		}
		r.logError("load_call", err, zap.String("call_id", a.callID))
		return calls.Fail(calls.ErrPersistenceFailed, "could not load call")
	}
	timeline, err := r.store.LoadTimeline(ctx, a.callID)
	if err != nil {
		r.logError("load_timeline", err, zap.String("call_id", a.callID))
		return calls.Fail(calls.ErrPersistenceFailed, "could not load call timeline")
	}
	a.call = call
	a.timeline = timeline
	a.nextSeq = 1
	if len(timeline) > 0 {
		a.nextSeq = timeline[len(timeline)-1].Seq + 1
	}
	a.loaded = true
	return nil
}

// remember records the event a request produced so a retry returns it. Only
// the most recent maxRememberedRequests ids are kept.
func (a *actor) remember(key requestKey, event calls.TimelineEvent) {
	if _, ok := a.requests[key]; !ok {
		a.requestOrder = append(a.requestOrder, key)
	}
	a.requests[key] = event
	if overflow := len(a.requestOrder) - maxRememberedRequests; overflow > 0 {
		for _, stale := range a.requestOrder[:overflow] {
			delete(a.requests, stale)
		}
		a.requestOrder = append([]requestKey(nil), a.requestOrder[overflow:]...)
	}
}

// memberFor returns the requester's membership when it belongs to the
// requester's current connection.
func (a *actor) memberFor(req Requester) (*member, error) {
	entry, ok := a.members[req.UserID]
	if !ok || (req.ConnID != "" && entry.connID != req.ConnID) {
		return nil, calls.Fail(calls.ErrNotJoined, "join the call first")
	}
	return entry, nil
}

func (a *actor) participants() []calls.Participant {
	return lo.FilterMap(a.order, func(userID string, _ int) (calls.Participant, bool) {
		entry, ok := a.members[userID]
		if !ok {
			return calls.Participant{}, false
		}
		return entry.participant, true
	})
}

func (a *actor) removeMember(userID string) {
	entry, ok := a.members[userID]
	if !ok {
		return
	}
	delete(a.members, userID)
	a.order = lo.Without(a.order, userID)
	if entry.cleanup != nil {
		entry.cleanup()
	}
}

func (a *actor) visibleTimeline(userID string) []calls.TimelineEvent {
	return lo.Filter(a.timeline, func(event calls.TimelineEvent, _ int) bool {
		return event.VisibleTo(userID)
	})
}

// pendingEvents sequences bodies after the last committed event. Nothing is
// applied until commit, so a failed write leaves no gap.
func (a *actor) pendingEvents(actorID string, at time.Time, bodies ...calls.EventBody) []calls.TimelineEvent {
	return lo.Map(bodies, func(body calls.EventBody, index int) calls.TimelineEvent {
		return calls.TimelineEvent{
			Seq:       a.nextSeq + int64(index),
			CallID:    a.callID,
			ActorID:   actorID,
			Timestamp: at,
			Body:      body,
		}
	})
}

func (a *actor) commit(events ...calls.TimelineEvent) {
	if len(events) == 0 {
		return
	}
	a.timeline = append(a.timeline, events...)
	a.nextSeq = events[len(events)-1].Seq + 1
}

func (a *actor) broadcastParticipants(r *Registry) {
	frame := protocol.NewFrame(a.callID, "", protocol.Participants{Participants: a.participants()})
	r.publish(a.callID, frame, realtime.Everyone())
}

func (a *actor) broadcastEvent(r *Registry, requestID string, event calls.TimelineEvent) {
	frame := protocol.NewFrame(a.callID, requestID, protocol.EventMessage{Event: event})
	r.publish(a.callID, frame, audienceFor(event))
}

func audienceFor(event calls.TimelineEvent) realtime.Audience {
	chat, ok := event.Body.(calls.ChatMessage)
	if !ok || chat.Scope.Kind != calls.ScopeParticipant {
		return realtime.Everyone()
	}
	return realtime.Users(lo.Uniq([]string{chat.Author, chat.Scope.UserID})...)
}
