package session

import (
	"fmt"

	"github.com/nuqql/matrixd/pkg/nuqql"
)

// Settings controls which frontend records a translated event produces.
type Settings struct {
	// MembershipUserMsg emits a structured chat user record for
	// membership changes.
	MembershipUserMsg bool
	// MembershipMessageMsg emits a free-text narrative line for
	// membership changes.
	MembershipMessageMsg bool
}

// MessageEvent is a room message after the session resolved names and
// media URLs. Translation itself needs no network access.
type MessageEvent struct {
	RoomID    string
	Sender    string
	Timestamp int64
	MsgType   string
	Body      string
	MediaURL  string
}

// MembershipEvent is a room membership change. Member is the affected
// user, Sender the one who caused the change; for joins and leaves they
// are usually the same. RoomID addresses the chat in the emitted records,
// RoomName is only rendered into the narrative text.
type MembershipEvent struct {
	RoomID     string
	RoomName   string
	Kind       string
	Timestamp  int64
	SenderName string
	MemberID   string
	MemberName string
}

// TranslateMessage renders a room message as one frontend chat line. The
// chat field carries the room ID so the frontend can match the message to
// the chat entries from the buddy and chat listings.
func (s Settings) TranslateMessage(accountID int, ev MessageEvent) string {
	return nuqql.ChatMsg(accountID,
		nuqql.EscapeName(ev.RoomID),
		ev.Timestamp,
		nuqql.EscapeName(ev.Sender),
		renderBody(ev.MsgType, ev.Body, ev.MediaURL))
}

// TranslateMembership renders a membership change as up to two frontend
// lines: a chat user record and a narrative message, each behind its own
// toggle. Unknown membership kinds produce nothing.
func (s Settings) TranslateMembership(accountID int, ev MembershipEvent) []string {
	var narrative string
	switch ev.Kind {
	case "invite":
		narrative = fmt.Sprintf("*** %s invited %s to %s. ***",
			ev.SenderName, ev.MemberName, ev.RoomName)
	case "join":
		narrative = fmt.Sprintf("*** %s joined %s. ***", ev.MemberName, ev.RoomName)
	case "leave":
		narrative = fmt.Sprintf("*** %s left %s. ***", ev.MemberName, ev.RoomName)
	default:
		return nil
	}

	room := nuqql.EscapeName(ev.RoomID)
	var lines []string
	if s.MembershipUserMsg {
		lines = append(lines, nuqql.ChatUser(accountID, room,
			nuqql.EscapeName(ev.MemberID),
			nuqql.EscapeName(ev.MemberName),
			ev.Kind))
	}
	if s.MembershipMessageMsg {
		lines = append(lines, nuqql.ChatMsg(accountID, room, ev.Timestamp,
			nuqql.EscapeName(ev.SenderName), narrative))
	}
	return lines
}

// renderBody returns the chat line body for a message event. Media events
// become a placeholder naming the media kind and its download URL; other
// non-text message types are noted by their type.
func renderBody(msgType, body, mediaURL string) string {
	var kind string
	switch msgType {
	case "m.text", "m.notice", "":
		return body
	case "m.emote":
		return fmt.Sprintf("*** posted emote: %s ***", body)
	case "m.image":
		kind = "image"
	case "m.audio":
		kind = "audio"
	case "m.video":
		kind = "video"
	case "m.file":
		kind = "file"
	default:
		return fmt.Sprintf("*** posted %s: %s ***", msgType, body)
	}
	return fmt.Sprintf("*** posted %s: %s [%s] ***", kind, body, mediaURL)
}
