// Package domain contains core concepts of the chat system.
// This file defines the Participants collection rows and presence states.
package domain

import "chitchat/contract"

const (
	RoomsCollection        = "Rooms"
	ParticipantsCollection = "Participants"
	ResourcesCollection    = "Resources"
)

// PresenceState is the per-client, per-room state of one participant.
// Joining and Leaving only exist while persistence and subscription calls
// are in flight.
type PresenceState int

const (
	Absent PresenceState = iota
	Joining
	Joined
	Leaving
)

func (s PresenceState) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return "absent"
	}
}

// ParticipantDocID is the key of the row binding a participant to a room.
func ParticipantDocID(participant, room string) string {
	return participant + "_" + room
}

func participantDocument(participant, room string) contract.Document {
	return contract.Document{
		"_id":         ParticipantDocID(participant, room),
		"participant": participant,
		"room":        room,
	}
}

// ResourcePath is the access-control path under which rooms are registered.
func ResourcePath(application string) string {
	return "/" + application + "/rooms"
}

// ResourceID identifies the access-control entry of a room.
func ResourceID(application, room string) string {
	return ResourcePath(application) + "/" + room
}
