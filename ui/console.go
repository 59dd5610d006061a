package ui

import (
	"chitchat/domain"
	"chitchat/services"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gookit/color"
)

const shortIDLength = 8

// Console renders rooms and the room list as lines on a terminal.
// One Console is shared by every room of a client, each room writing
// through its own view from ForRoom.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

var _ services.DirectoryView = (*Console)(nil)

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// ForRoom returns the view of a single room.
func (c *Console) ForRoom(room string) domain.RoomView {
	return &roomConsole{console: c, room: room, colors: make(map[string]domain.Color)}
}

func (c *Console) ListRooms(rooms []services.RoomSummary) {
	var b strings.Builder
	if len(rooms) == 0 {
		b.WriteString(color.Gray.Sprint("no rooms yet, /create one") + "\n")
	}
	for _, r := range rooms {
		marker := " "
		if r.Joined {
			marker = color.Green.Sprint("*")
		}
		fmt.Fprintf(&b, "%s %s %s by %s, %d online", marker, color.Bold.Sprint(r.Name), r.Type, r.Creator, r.Participants)
		if len(r.Subjects) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(r.Subjects, ", "))
		}
		b.WriteString("\n")
	}
	c.write(b.String())
}

// Notice prints a line that belongs to no room.
func (c *Console) Notice(format string, args ...any) {
	c.write(color.Cyan.Sprintf(format, args...) + "\n")
}

// Failure prints an error the user can act upon.
func (c *Console) Failure(err error) {
	c.write(color.Red.Sprintf("error: %v", err) + "\n")
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}

type roomConsole struct {
	console *Console
	room    string

	mu          sync.Mutex
	colors      map[string]domain.Color
	replyTarget string
	detached    bool
}

var _ domain.RoomView = (*roomConsole)(nil)

func (v *roomConsole) AppendMessage(m domain.MessageData) {
	v.print(v.renderMessage(m, ""))
}

func (v *roomConsole) UpdateMessage(m domain.MessageData) {
	v.print(v.renderMessage(m, color.Gray.Sprint("~ ")))
}

func (v *roomConsole) Repaint(participant string, c domain.Color) {
	v.mu.Lock()
	v.colors[participant] = c
	v.mu.Unlock()

	if c == domain.DepartedColor {
		v.print(fmt.Sprintf("%s left", c.Paint(participant)))
		return
	}
	v.print(fmt.Sprintf("%s joined", c.Paint(participant)))
}

func (v *roomConsole) Refresh(s domain.RoomSnapshot) {
	v.mu.Lock()
	for p, c := range s.Colors {
		v.colors[p] = c
	}
	targetChanged := s.ReplyTarget != v.replyTarget
	v.replyTarget = s.ReplyTarget
	v.mu.Unlock()

	if s.Deleted {
		v.print(color.Red.Sprint("room deleted"))
		return
	}
	if !targetChanged {
		return
	}
	if s.ReplyTarget == "" {
		v.print(color.Gray.Sprint("replying to the room"))
		return
	}
	v.print(color.Gray.Sprintf("replying to %s", shortID(s.ReplyTarget)))
}

func (v *roomConsole) Detach() {
	v.mu.Lock()
	already := v.detached
	v.detached = true
	v.mu.Unlock()
	if !already {
		v.print(color.Gray.Sprint("closed"))
	}
}

func (v *roomConsole) renderMessage(m domain.MessageData, prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(v.messageLine(m))
	for _, r := range m.Replies {
		b.WriteString("\n")
		b.WriteString(strings.Repeat(" ", len(v.room)+3))
		b.WriteString("  > ")
		b.WriteString(v.messageLine(r))
	}
	return b.String()
}

func (v *roomConsole) messageLine(m domain.MessageData) string {
	line := fmt.Sprintf("%s %s %s: %s",
		color.Gray.Sprint(shortID(m.ID)),
		m.Date.Local().Format("15:04"),
		v.paint(m.From),
		m.Text)
	if len(m.Likes) > 0 || len(m.Dislikes) > 0 {
		line += color.Gray.Sprintf("  +%d -%d", len(m.Likes), len(m.Dislikes))
	}
	return line
}

func (v *roomConsole) paint(participant string) string {
	v.mu.Lock()
	c, ok := v.colors[participant]
	v.mu.Unlock()
	if !ok {
		return participant
	}
	return c.Paint(participant)
}

func (v *roomConsole) print(s string) {
	v.console.write(fmt.Sprintf("%s %s\n", color.Bold.Sprintf("[%s]", v.room), s))
}

func shortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}
