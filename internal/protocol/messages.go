package protocol

import (
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	jsoniter "github.com/json-iterator/go"
)

// Type names a message on the transport channel.
type Type string

// Client to server.
const (
	TypeJoin             Type = "session:join"
	TypeLeave            Type = "session:leave"
	TypeChatSend         Type = "chat:send"
	TypeShareResource    Type = "sales:call:share-resource"
	TypeUpdateLeadStatus Type = "sales:call:update-lead-status"
	TypeSaveNotes        Type = "sales:call:save-notes"
	TypeStartCall        Type = "sales:call:start"
	TypeEndCall          Type = "sales:call:end"
	TypeCancelCall       Type = "sales:call:cancel"
	TypeCameraToggle     Type = "media:camera"
	TypeMicState         Type = "media:mic"
)

// Signaling, relayed in both directions.
const (
	TypeRTCOffer     Type = "rtc:offer"
	TypeRTCAnswer    Type = "rtc:answer"
	TypeRTCCandidate Type = "rtc:candidate"
	TypeRTCHangup    Type = "rtc:hangup"
)

// Server to client.
const (
	TypeJoined            Type = "session:joined"
	TypeParticipants      Type = "session:participants"
	TypeChatMessage       Type = "chat:message"
	TypeResourceShared    Type = "sales:call:resource-shared"
	TypeLeadStatusUpdated Type = "sales:call:lead-status-updated"
	TypeStatus            Type = "session:status"
	TypePermission        Type = "media:permission"
	TypeTimelineEvent     Type = "session:timeline-event"
	TypeNotesSaved        Type = "sales:call:notes-saved"
	TypeCallEnded         Type = "sales:call:ended"
	TypeError             Type = "session:error"
)

// Message is the closed set of payloads carried by an envelope.
type Message interface {
	MessageType() Type
	message()
}

type Join struct {
	Token string `json:"token,omitempty"`
}

type Leave struct{}

type ChatSend struct {
	Message        string               `json:"message" validate:"required,max=4000"`
	RecipientScope calls.RecipientScope `json:"recipientScope"`
}

type ResourcePayload struct {
	Type  string `json:"type" validate:"required,max=64"`
	URL   string `json:"url" validate:"required,url"`
	Title string `json:"title" validate:"max=256"`
}

type ShareResource struct {
	Resource ResourcePayload `json:"resource"`
}

type UpdateLeadStatus struct {
	Status string `json:"status" validate:"required,max=64"`
}

type SaveNotes struct {
	Notes string `json:"notes" validate:"max=20000"`
}

type StartCall struct{}

type EndCall struct {
	EngagementLevel  calls.EngagementLevel `json:"engagementLevel,omitempty" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	LeadStatusUpdate string                `json:"leadStatusUpdate,omitempty" validate:"max=64"`
}

type CancelCall struct{}

type CameraToggle struct {
	UserID  string `json:"userId" validate:"required"`
	Enabled bool   `json:"enabled"`
}

type MicState struct {
	Muted bool `json:"muted"`
}

// Signal messages carry From as stamped by the server; a client value is ignored.
type RTCOffer struct {
	To   string `json:"to" validate:"required"`
	From string `json:"from,omitempty"`
	SDP  string `json:"sdp" validate:"required"`
}

type RTCAnswer struct {
	To   string `json:"to" validate:"required"`
	From string `json:"from,omitempty"`
	SDP  string `json:"sdp" validate:"required"`
}

type RTCCandidate struct {
	To            string  `json:"to" validate:"required"`
	From          string  `json:"from,omitempty"`
	Candidate     string  `json:"candidate" validate:"required"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// RTCHangup ends a pair. With Restart set the offering side re-offers.
type RTCHangup struct {
	To      string `json:"to" validate:"required"`
	From    string `json:"from,omitempty"`
	Restart bool   `json:"restart,omitempty"`
}

type Joined struct {
	Self         string                `json:"self"`
	Call         calls.Call            `json:"call"`
	Participants []calls.Participant   `json:"participants"`
	Timeline     []calls.TimelineEvent `json:"timeline"`
}

type Participants struct {
	Participants []calls.Participant `json:"participants"`
}

// EventMessage carries one sequenced timeline event. Its wire type follows the
// event kind.
type EventMessage struct {
	Event calls.TimelineEvent
}

type NotesSaved struct {
	Notes   string    `json:"notes"`
	SavedAt time.Time `json:"savedAt"`
}

type CallEnded struct {
	Call     calls.Call     `json:"call"`
	Insights calls.Insights `json:"insights"`
}

type Error struct {
	Code        calls.Code `json:"code"`
	Message     string     `json:"message"`
	RequestID   string     `json:"requestId,omitempty"`
	RequestType Type       `json:"requestType,omitempty"`
}

// Unknown preserves a message type this build does not recognise.
type Unknown struct {
	Type Type
	Raw  jsoniter.RawMessage
}

func (Join) MessageType() Type             { return TypeJoin }
func (Leave) MessageType() Type            { return TypeLeave }
func (ChatSend) MessageType() Type         { return TypeChatSend }
func (ShareResource) MessageType() Type    { return TypeShareResource }
func (UpdateLeadStatus) MessageType() Type { return TypeUpdateLeadStatus }
func (SaveNotes) MessageType() Type        { return TypeSaveNotes }
func (StartCall) MessageType() Type        { return TypeStartCall }
func (EndCall) MessageType() Type          { return TypeEndCall }
func (CancelCall) MessageType() Type       { return TypeCancelCall }
func (CameraToggle) MessageType() Type     { return TypeCameraToggle }
func (MicState) MessageType() Type         { return TypeMicState }
func (RTCOffer) MessageType() Type         { return TypeRTCOffer }
func (RTCAnswer) MessageType() Type        { return TypeRTCAnswer }
func (RTCCandidate) MessageType() Type     { return TypeRTCCandidate }
func (RTCHangup) MessageType() Type        { return TypeRTCHangup }
func (Joined) MessageType() Type           { return TypeJoined }
func (Participants) MessageType() Type     { return TypeParticipants }
func (m EventMessage) MessageType() Type   { return EventType(m.Event.Body) }
func (NotesSaved) MessageType() Type       { return TypeNotesSaved }
func (CallEnded) MessageType() Type        { return TypeCallEnded }
func (Error) MessageType() Type            { return TypeError }
func (m Unknown) MessageType() Type        { return m.Type }

func (Join) message()             {}
func (Leave) message()            {}
func (ChatSend) message()         {}
func (ShareResource) message()    {}
func (UpdateLeadStatus) message() {}
func (SaveNotes) message()        {}
func (StartCall) message()        {}
func (EndCall) message()          {}
func (CancelCall) message()       {}
func (CameraToggle) message()     {}
func (MicState) message()         {}
func (RTCOffer) message()         {}
func (RTCAnswer) message()        {}
func (RTCCandidate) message()     {}
func (RTCHangup) message()        {}
func (Joined) message()           {}
func (Participants) message()     {}
func (EventMessage) message()     {}
func (NotesSaved) message()       {}
func (CallEnded) message()        {}
func (Error) message()            {}
func (Unknown) message()          {}

// EventType maps a timeline body to the broadcast type that carries it.
func EventType(body calls.EventBody) Type {
	if body == nil {
		return TypeTimelineEvent
	}
	switch body.Kind() {
	case calls.KindChat:
		return TypeChatMessage
	case calls.KindResource:
		return TypeResourceShared
	case calls.KindLeadStatus:
		return TypeLeadStatusUpdated
	case calls.KindStatus:
		return TypeStatus
	case calls.KindPermission:
		return TypePermission
	default:
		return TypeTimelineEvent
	}
}

// Relayed reports whether t is a signaling message forwarded peer to peer.
func Relayed(t Type) bool {
	switch t {
	case TypeRTCOffer, TypeRTCAnswer, TypeRTCCandidate, TypeRTCHangup:
		return true
	}
	return false
}
