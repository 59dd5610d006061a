package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	ErrDocumentNotFound  = fmt.Errorf("document not found")
	ErrDuplicateDocument = fmt.Errorf("document already exists")
	ErrInvalidDocument   = fmt.Errorf("invalid document")
	ErrUnsupportedUpdate = fmt.Errorf("unsupported update operator")

	ErrRoomDeleted      = fmt.Errorf("room has been deleted")
	ErrRoomExists       = fmt.Errorf("room already exists")
	ErrNotRoomCreator   = fmt.Errorf("only the room creator can delete the room")
	ErrUnknownMessage   = fmt.Errorf("unknown message")
	ErrAmbiguousMessage = fmt.Errorf("ambiguous message id")
	ErrNestedReply      = fmt.Errorf("a reply cannot carry replies")
	ErrEmptyName        = fmt.Errorf("room name is empty")
	ErrUnknownRoom      = fmt.Errorf("unknown room")

	ErrInvalidPayload  = fmt.Errorf("invalid payload")
	ErrUnexpectedEvent = fmt.Errorf("unexpected event kind")

	ErrHubNotConnected = fmt.Errorf("event hub not connected")
	ErrSlowSession     = fmt.Errorf("session outbox full")
	ErrEmptyWords      = fmt.Errorf("no words have been found")
	ErrEmptyPalette    = fmt.Errorf("palette has no colours")
)

// Is and As forward to the standard library so callers importing this
// package do not need both.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
