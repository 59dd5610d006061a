package domain

// RoomView is notified by a Room after its local state changed.
// Every argument is a copy; views never see live state.
type RoomView interface {
	AppendMessage(m MessageData)
	// UpdateMessage receives the root message whenever it or one of its
	// replies changed.
	UpdateMessage(m MessageData)
	Repaint(participant string, c Color)
	Refresh(s RoomSnapshot)
	Detach()
}

// RoomSnapshot is an immutable copy of a room local state.
type RoomSnapshot struct {
	Info         RoomInfo
	Participants []string
	Colors       map[string]Color
	Messages     []MessageData
	ReplyTarget  string
	Deleted      bool
}

type nopView struct{}

func (nopView) AppendMessage(MessageData) {}
func (nopView) UpdateMessage(MessageData) {}
func (nopView) Repaint(string, Color) {}
func (nopView) Refresh(RoomSnapshot) {}
func (nopView) Detach() {}
