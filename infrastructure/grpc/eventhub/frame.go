// Package eventhub describes the wire protocol of the event hub: a single
// bidirectional stream of frames carried as protobuf Structs, so no code
// generation is involved.
package eventhub

import (
	"chitchat/errors"
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

type Op string

const (
	// Client to hub.
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
	// Hub to client.
	OpSubscribed Op = "subscribed"
	OpEvent      Op = "event"
)

// Frame is one message of the Connect stream. ID correlates a subscribe
// request with its acknowledgement.
type Frame struct {
	Op      Op
	Channel string
	ID      string
	Payload []byte
}

// ToStruct encodes the frame. The payload travels base64 encoded.
func (f Frame) ToStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"op":      structpb.NewStringValue(string(f.Op)),
		"channel": structpb.NewStringValue(f.Channel),
	}
	if f.ID != "" {
		fields["id"] = structpb.NewStringValue(f.ID)
	}
	if f.Payload != nil {
		fields["payload"] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(f.Payload))
	}
	return &structpb.Struct{Fields: fields}
}

func FrameFromStruct(s *structpb.Struct) (Frame, error) {
	fields := s.GetFields()
	f := Frame{
		Op:      Op(fields["op"].GetStringValue()),
		Channel: fields["channel"].GetStringValue(),
		ID:      fields["id"].GetStringValue(),
	}
	switch f.Op {
	case OpSubscribe, OpUnsubscribe, OpPublish, OpSubscribed, OpEvent:
	default:
		return Frame{}, fmt.Errorf("%w: unknown op %q", errors.ErrInvalidPayload, f.Op)
	}
	if f.Channel == "" {
		return Frame{}, fmt.Errorf("%w: %s frame without channel", errors.ErrInvalidPayload, f.Op)
	}
	if v, ok := fields["payload"]; ok {
		payload, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
		}
		f.Payload = payload
	}
	return f, nil
}
