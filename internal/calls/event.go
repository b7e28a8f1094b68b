package calls

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// EventKind tags the body of a timeline event.
type EventKind string

const (
	KindChat       EventKind = "chat"
	KindResource   EventKind = "resource"
	KindPermission EventKind = "permission"
	KindStatus     EventKind = "status"
	KindLeadStatus EventKind = "lead_status"
)

// EventBody is the closed set of timeline payloads. UnknownBody keeps kinds
// introduced by other producers intact.
type EventBody interface {
	Kind() EventKind
	eventBody()
}

type ScopeKind string

const (
	ScopeEveryone    ScopeKind = "everyone"
	ScopeParticipant ScopeKind = "participant"
)

// RecipientScope addresses a chat message to everyone or to one participant.
type RecipientScope struct {
	Kind   ScopeKind `json:"kind"`
	UserID string    `json:"userId,omitempty"`
}

func Everyone() RecipientScope {
	return RecipientScope{Kind: ScopeEveryone}
}

func (s RecipientScope) Normalize() (RecipientScope, error) {
	switch s.Kind {
	case "", ScopeEveryone:
		return Everyone(), nil
	case ScopeParticipant:
		if strings.TrimSpace(s.UserID) == "" {
			return RecipientScope{}, Fail(ErrInvalidRequest, "participant scope needs a user id")
		}
		return RecipientScope{Kind: ScopeParticipant, UserID: strings.TrimSpace(s.UserID)}, nil
	}
	return RecipientScope{}, Failf(ErrInvalidRequest, "unknown recipient scope %q", s.Kind)
}

type ChatMessage struct {
	Author string         `json:"author"`
	Body   string         `json:"message"`
	Scope  RecipientScope `json:"recipientScope"`
}

type SharedResource struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	SharedBy string `json:"sharedBy"`
}

type PermissionGrant struct {
	Grantee    string `json:"grantee"`
	Capability string `json:"capability"`
	Granted    bool   `json:"granted"`
}

type StatusChange struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

type LeadStatusChange struct {
	Status string `json:"status"`
}

type UnknownBody struct {
	Type EventKind
	Raw  jsoniter.RawMessage
}

func (ChatMessage) Kind() EventKind      { return KindChat }
func (SharedResource) Kind() EventKind   { return KindResource }
func (PermissionGrant) Kind() EventKind  { return KindPermission }
func (StatusChange) Kind() EventKind     { return KindStatus }
func (LeadStatusChange) Kind() EventKind { return KindLeadStatus }
func (b UnknownBody) Kind() EventKind    { return b.Type }

func (ChatMessage) eventBody()      {}
func (SharedResource) eventBody()   {}
func (PermissionGrant) eventBody()  {}
func (StatusChange) eventBody()     {}
func (LeadStatusChange) eventBody() {}
func (UnknownBody) eventBody()      {}

// TimelineEvent is one sequenced occurrence within a call. Seq and Timestamp
// are assigned by the registry.
type TimelineEvent struct {
	Seq       int64
	CallID    string
	ActorID   string
	Timestamp time.Time
	Body      EventBody
}

type timelineEventWire struct {
	Seq       int64               `json:"seq"`
	CallID    string              `json:"callId"`
	Kind      EventKind           `json:"kind"`
	ActorID   string              `json:"actorId"`
	Timestamp time.Time           `json:"timestamp"`
	Data      jsoniter.RawMessage `json:"data"`
}

func (e TimelineEvent) MarshalJSON() ([]byte, error) {
	if e.Body == nil {
		return nil, fmt.Errorf("timeline event %d has no body", e.Seq)
	}
	data, err := EncodeBody(e.Body)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(timelineEventWire{
		Seq:       e.Seq,
		CallID:    e.CallID,
		Kind:      e.Body.Kind(),
		ActorID:   e.ActorID,
		Timestamp: e.Timestamp,
		Data:      data,
	})
}

func (e *TimelineEvent) UnmarshalJSON(payload []byte) error {
	var wire timelineEventWire
	if err := codec.Unmarshal(payload, &wire); err != nil {
		return err
	}
	body, err := DecodeBody(wire.Kind, wire.Data)
	if err != nil {
		return err
	}
	*e = TimelineEvent{
		Seq:       wire.Seq,
		CallID:    wire.CallID,
		ActorID:   wire.ActorID,
		Timestamp: wire.Timestamp,
		Body:      body,
	}
	return nil
}

// EncodeBody renders only the body payload.
func EncodeBody(body EventBody) (jsoniter.RawMessage, error) {
	if unknown, ok := body.(UnknownBody); ok {
		if len(unknown.Raw) == 0 {
			return jsoniter.RawMessage("null"), nil
		}
		return unknown.Raw, nil
	}
	return codec.Marshal(body)
}

// DecodeBody parses data according to kind. Unrecognised kinds decode to UnknownBody.
func DecodeBody(kind EventKind, data jsoniter.RawMessage) (EventBody, error) {
	var (
		body EventBody
		err  error
	)
	switch kind {
	case KindChat:
		var chat ChatMessage
		err = codec.Unmarshal(data, &chat)
		body = chat
	case KindResource:
		var resource SharedResource
		err = codec.Unmarshal(data, &resource)
		body = resource
	case KindPermission:
		var grant PermissionGrant
		err = codec.Unmarshal(data, &grant)
		body = grant
	case KindStatus:
		var change StatusChange
		err = codec.Unmarshal(data, &change)
		body = change
	case KindLeadStatus:
		var change LeadStatusChange
		err = codec.Unmarshal(data, &change)
		body = change
	default:
		return UnknownBody{Type: kind, Raw: append(jsoniter.RawMessage(nil), data...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", kind, err)
	}
	return body, nil
}

// VisibleTo reports whether userID should receive the event. Only
// participant-scoped chat is restricted, to its author and recipient.
func (e TimelineEvent) VisibleTo(userID string) bool {
	chat, ok := e.Body.(ChatMessage)
	if !ok || chat.Scope.Kind != ScopeParticipant {
		return true
	}
	return userID == chat.Author || userID == e.ActorID || userID == chat.Scope.UserID
}
