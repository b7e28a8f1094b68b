package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var (
	codec    = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New(validator.WithRequiredStructEnabled())

	errMissingMessage = errors.New("frame has no message")
)

// Frame is one decoded envelope. ID correlates a request with its error reply.
type Frame struct {
	Type    Type
	ID      string
	CallID  string
	Message Message
}

type envelope struct {
	Type   Type                `json:"type"`
	ID     string              `json:"id,omitempty"`
	CallID string              `json:"callId,omitempty"`
	Data   jsoniter.RawMessage `json:"data,omitempty"`
}

func NewFrame(callID, id string, message Message) Frame {
	frame := Frame{ID: id, CallID: callID, Message: message}
	if message != nil {
		frame.Type = message.MessageType()
	}
	return frame
}

// Encode renders a frame as a JSON envelope.
func Encode(frame Frame) ([]byte, error) {
	if frame.Message == nil {
		return nil, errMissingMessage
	}
	data, err := encodeData(frame.Message)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", frame.Message.MessageType(), err)
	}
	return codec.Marshal(envelope{
		Type:   frame.Message.MessageType(),
		ID:     frame.ID,
		CallID: frame.CallID,
		Data:   data,
	})
}

func encodeData(message Message) (jsoniter.RawMessage, error) {
	switch typed := message.(type) {
	case EventMessage:
		return codec.Marshal(typed.Event)
	case Unknown:
		return typed.Raw, nil
	default:
		return codec.Marshal(message)
	}
}

type decoder func(data []byte) (Message, error)

var requestDecoders = map[Type]decoder{
	TypeJoin:             decodeRequest[Join],
	TypeLeave:            decodeRequest[Leave],
	TypeChatSend:         decodeRequest[ChatSend],
	TypeShareResource:    decodeRequest[ShareResource],
	TypeUpdateLeadStatus: decodeRequest[UpdateLeadStatus],
	TypeSaveNotes:        decodeRequest[SaveNotes],
	TypeStartCall:        decodeRequest[StartCall],
	TypeEndCall:          decodeRequest[EndCall],
	TypeCancelCall:       decodeRequest[CancelCall],
	TypeCameraToggle:     decodeRequest[CameraToggle],
	TypeMicState:         decodeRequest[MicState],
	TypeRTCOffer:         decodeRequest[RTCOffer],
	TypeRTCAnswer:        decodeRequest[RTCAnswer],
	TypeRTCCandidate:     decodeRequest[RTCCandidate],
	TypeRTCHangup:        decodeRequest[RTCHangup],
}

var broadcastDecoders = map[Type]decoder{
	TypeJoined:            decodePlain[Joined],
	TypeParticipants:      decodePlain[Participants],
	TypeChatMessage:       decodeEvent,
	TypeResourceShared:    decodeEvent,
	TypeLeadStatusUpdated: decodeEvent,
	TypeStatus:            decodeEvent,
	TypePermission:        decodeEvent,
	TypeTimelineEvent:     decodeEvent,
	TypeNotesSaved:        decodePlain[NotesSaved],
	TypeCallEnded:         decodePlain[CallEnded],
	TypeError:             decodePlain[Error],
}

// Decode parses any envelope. Types this build does not know decode to Unknown.
func Decode(payload []byte) (Frame, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return Frame{}, err
	}
	frame := Frame{Type: env.Type, ID: env.ID, CallID: env.CallID}
	decode, ok := broadcastDecoders[env.Type]
	if !ok {
		decode, ok = requestDecoders[env.Type]
	}
	if !ok {
		frame.Message = Unknown{Type: env.Type, Raw: append(jsoniter.RawMessage(nil), env.Data...)}
		return frame, nil
	}
	message, err := decode(env.Data)
	if err != nil {
		return frame, calls.Failf(calls.ErrInvalidRequest, "%s: %v", env.Type, err)
	}
	frame.Message = message
	return frame, nil
}

// DecodeRequest parses and validates a client request. The returned frame keeps
// the envelope id and type even when the payload is rejected.
func DecodeRequest(payload []byte) (Frame, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return Frame{}, err
	}
	frame := Frame{Type: env.Type, ID: env.ID, CallID: env.CallID}
	decode, ok := requestDecoders[env.Type]
	if !ok {
		return frame, calls.Failf(calls.ErrInvalidRequest, "unsupported message type %q", env.Type)
	}
	message, err := decode(env.Data)
	if err != nil {
		return frame, calls.Failf(calls.ErrInvalidRequest, "%s: %v", env.Type, err)
	}
	frame.Message = message
	return frame, nil
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		return envelope{}, calls.Failf(calls.ErrInvalidRequest, "malformed envelope: %v", err)
	}
	env.Type = Type(strings.TrimSpace(string(env.Type)))
	if env.Type == "" {
		return envelope{}, calls.Fail(calls.ErrInvalidRequest, "envelope type is required")
	}
	return env, nil
}

func decodeRequest[T Message](data []byte) (Message, error) {
	message, err := decodePlain[T](data)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(message); err != nil {
		return nil, err
	}
	return message, nil
}

func decodePlain[T Message](data []byte) (Message, error) {
	var message T
	if len(data) > 0 && string(data) != "null" {
		if err := codec.Unmarshal(data, &message); err != nil {
			return nil, err
		}
	}
	return message, nil
}

func decodeEvent(data []byte) (Message, error) {
	var event calls.TimelineEvent
	if err := codec.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return EventMessage{Event: event}, nil
}
