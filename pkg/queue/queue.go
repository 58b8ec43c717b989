package queue

import "sync"

// Kind tags a Command. Each frontend command maps to exactly one kind; the
// session supervisor switches over all of them.
type Kind int

const (
	SendMessage Kind = iota
	SetStatus
	GetStatus
	GetBuddies
	ChatList
	ChatJoin
	ChatPart
	ChatUsers
	ChatInvite
)

func (k Kind) String() string {
	switch k {
	case SendMessage:
		return "send_message"
	case SetStatus:
		return "set_status"
	case GetStatus:
		return "get_status"
	case GetBuddies:
		return "get_buddies"
	case ChatList:
		return "chat_list"
	case ChatJoin:
		return "chat_join"
	case ChatPart:
		return "chat_part"
	case ChatUsers:
		return "chat_users"
	case ChatInvite:
		return "chat_invite"
	}
	return "unknown"
}

// Command is one pending frontend command for an account. Only the fields
// relevant to the Kind are set.
type Command struct {
	Kind Kind

	// SendMessage: destination room (display name or room ID), plain text
	// body and the XHTML body built from the frontend's escaped message.
	Dest string
	Body string
	HTML string

	// ChatJoin, ChatPart, ChatUsers, ChatInvite: target chat.
	Chat string

	// ChatInvite: user to invite.
	User string

	// SetStatus.
	Status string

	// GetBuddies: restrict to online buddies.
	OnlineOnly bool
}

// Queue is the per-account buffer of pending commands. The frontend
// dispatch goroutine enqueues, the account's supervisor goroutine drains.
// Enqueue never blocks on command execution: Drain swaps the buffer out
// under the lock and the caller processes the batch outside of it.
type Queue struct {
	mu      sync.Mutex
	pending []Command
}

func New() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, cmd)
}

// Drain removes and returns all pending commands in submission order.
// Each command appears in exactly one drained batch.
func (q *Queue) Drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
