// Package event defines the channels of the event bus and the typed
// envelope carried on each of them.
package event

import (
	"chitchat/errors"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	RefreshRoomsChannel = "refresh_rooms_channel"
	NewRoomChannel      = "new_room_event"
)

func MessageChannel(room string) string { return room + "_channel" }

func JoinChannel(room string) string { return room + "_join_room_channel" }

func LeaveChannel(room string) string { return room + "_leave_room_channel" }

func DeleteChannel(room string) string { return room + "_delete_room_channel" }

// VoteChannel is dedicated to a single message so a vote can propagate
// without replaying the room.
func VoteChannel(messageID string) string { return messageID }

type Kind string

const (
	MessagePostedType     Kind = "message_posted"
	ParticipantJoinedType Kind = "participant_joined"
	ParticipantLeftType   Kind = "participant_left"
	RoomDeletedType       Kind = "room_deleted"
	MessageVotedType      Kind = "message_voted"
	RoomsRefreshType      Kind = "rooms_refresh"
	RoomCreatedType       Kind = "room_created"
)

var validate = validator.New()

// Envelope is the only thing ever published on the bus.
type Envelope struct {
	Kind    Kind            `json:"kind" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// Payload is implemented by every typed event.
type Payload interface {
	Kind() Kind
}

// MessagePosted announces a new root message or the rewrite of a parent
// after a reply was attached.
type MessagePosted struct {
	Room    string          `json:"room" validate:"required"`
	Message json.RawMessage `json:"message" validate:"required"`
}

func (MessagePosted) Kind() Kind { return MessagePostedType }

type ParticipantJoined struct {
	Room        string `json:"room" validate:"required"`
	Participant string `json:"participant" validate:"required"`
}

func (ParticipantJoined) Kind() Kind { return ParticipantJoinedType }

type ParticipantLeft struct {
	Room        string `json:"room" validate:"required"`
	Participant string `json:"participant" validate:"required"`
}

func (ParticipantLeft) Kind() Kind { return ParticipantLeftType }

type RoomDeleted struct {
	Room string `json:"room" validate:"required"`
}

func (RoomDeleted) Kind() Kind { return RoomDeletedType }

// MessageVoted carries the whole voted message so receivers replace both
// vote sets at once.
type MessageVoted struct {
	Room    string          `json:"room" validate:"required"`
	Message json.RawMessage `json:"message" validate:"required"`
}

func (MessageVoted) Kind() Kind { return MessageVotedType }

// RoomsRefresh asks room-list sidebars to repaint; the participant is informational.
type RoomsRefresh struct {
	Participant string `json:"participant"`
}

func (RoomsRefresh) Kind() Kind { return RoomsRefreshType }

type RoomCreated struct {
	Room json.RawMessage `json:"room" validate:"required"`
}

func (RoomCreated) Kind() Kind { return RoomCreatedType }

// Encode validates the payload and wraps it in an envelope.
func Encode(p Payload) ([]byte, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrInvalidPayload, p.Kind(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: p.Kind(), Payload: raw})
}

// Decode unwraps an envelope, checks it carries the expected kind and
// validates the payload.
func Decode[T Payload](data []byte) (T, error) {
	var zero T
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if err := validate.Struct(env); err != nil {
		return zero, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if env.Kind != zero.Kind() {
		return zero, fmt.Errorf("%w: got %s, want %s", errors.ErrUnexpectedEvent, env.Kind, zero.Kind())
	}
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return zero, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if err := validate.Struct(p); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", errors.ErrInvalidPayload, env.Kind, err)
	}
	return p, nil
}
