package nuqql

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/nuqql/matrixd/pkg/queue"
)

// RequestKind identifies a parsed frontend command.
type RequestKind int

const (
	// Global commands handled by the server itself.
	RequestAccountList RequestKind = iota
	RequestAccountAdd
	RequestAccountDelete
	RequestVersion
	RequestHelp
	RequestBye
	RequestQuit

	// Account-scoped command dispatched to the account's session.
	RequestCommand
)

// Request is one parsed command line from the frontend.
type Request struct {
	Kind      RequestKind
	AccountID int

	// RequestAccountAdd.
	Protocol string
	User     string
	Password string

	// RequestCommand.
	Command queue.Command
}

var breakTag = regexp.MustCompile(`(?i)<br/?>`)

// ParseLine parses a single frontend command line. The returned error text
// is safe to send back verbatim as an error message.
func ParseLine(line string) (Request, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("empty command")
	}

	switch fields[0] {
	case "version":
		return Request{Kind: RequestVersion}, nil
	case "help":
		return Request{Kind: RequestHelp}, nil
	case "bye":
		return Request{Kind: RequestBye}, nil
	case "quit":
		return Request{Kind: RequestQuit}, nil
	case "account":
		return parseAccount(line, fields)
	}
	return Request{}, fmt.Errorf("unknown command %q", fields[0])
}

func parseAccount(line string, fields []string) (Request, error) {
	if len(fields) < 2 {
		return Request{}, fmt.Errorf("incomplete account command")
	}

	switch fields[1] {
	case "list":
		return Request{Kind: RequestAccountList}, nil
	case "add":
		// account add <protocol> <user> <password>
		if len(fields) != 5 {
			return Request{}, fmt.Errorf("usage: account add <protocol> <user> <password>")
		}
		return Request{
			Kind:     RequestAccountAdd,
			Protocol: fields[2],
			User:     fields[3],
			Password: fields[4],
		}, nil
	}

	accountID, err := strconv.Atoi(fields[1])
	if err != nil {
		return Request{}, fmt.Errorf("invalid account id %q", fields[1])
	}
	if len(fields) < 3 {
		return Request{}, fmt.Errorf("incomplete account command")
	}

	switch fields[2] {
	case "delete":
		return Request{Kind: RequestAccountDelete, AccountID: accountID}, nil
	case "send":
		// account <id> send <dest> <msg>
		if len(fields) < 5 {
			return Request{}, fmt.Errorf("usage: account <id> send <destination> <message>")
		}
		body, htmlBody := ParseMessageBody(restAfter(line, fields[:4]))
		return Request{
			Kind:      RequestCommand,
			AccountID: accountID,
			Command: queue.Command{
				Kind: queue.SendMessage,
				Dest: UnescapeName(fields[3]),
				Body: body,
				HTML: htmlBody,
			},
		}, nil
	case "status":
		return parseStatus(accountID, fields)
	case "buddies":
		onlineOnly := len(fields) > 3 && fields[3] == "online"
		return Request{
			Kind:      RequestCommand,
			AccountID: accountID,
			Command:   queue.Command{Kind: queue.GetBuddies, OnlineOnly: onlineOnly},
		}, nil
	case "chat":
		return parseChat(accountID, line, fields)
	}
	return Request{}, fmt.Errorf("unknown account command %q", fields[2])
}

func parseStatus(accountID int, fields []string) (Request, error) {
	if len(fields) < 4 {
		return Request{}, fmt.Errorf("usage: account <id> status get|set <status>")
	}
	switch fields[3] {
	case "get":
		return Request{
			Kind:      RequestCommand,
			AccountID: accountID,
			Command:   queue.Command{Kind: queue.GetStatus},
		}, nil
	case "set":
		if len(fields) != 5 {
			return Request{}, fmt.Errorf("usage: account <id> status set <status>")
		}
		return Request{
			Kind:      RequestCommand,
			AccountID: accountID,
			Command:   queue.Command{Kind: queue.SetStatus, Status: fields[4]},
		}, nil
	}
	return Request{}, fmt.Errorf("unknown status command %q", fields[3])
}

func parseChat(accountID int, line string, fields []string) (Request, error) {
	if len(fields) < 4 {
		return Request{}, fmt.Errorf("incomplete chat command")
	}

	switch fields[3] {
	case "list":
		return Request{
			Kind:      RequestCommand,
			AccountID: accountID,
			Command:   queue.Command{Kind: queue.ChatList},
		}, nil
	case "join", "part", "users":
		if len(fields) != 5 {
			return Request{}, fmt.Errorf("usage: account <id> chat %s <chat>", fields[3])
		}
		kind := map[string]queue.Kind{
			"join":  queue.ChatJoin,
			"part":  queue.ChatPart,
			"users": queue.ChatUsers,
		}[fields[3]]
		return Request{
			Kind:      RequestCommand,
			AccountID: accountID,
			Command:   queue.Command{Kind: kind, Chat: UnescapeName(fields[4])},
		}, nil
	case "send":
		// account <id> chat send <chat> <msg>
		if len(fields) < 6 {
			return Request{}, fmt.Errorf("usage: account <id> chat send <chat> <message>")
		}
		body, htmlBody := ParseMessageBody(restAfter(line, fields[:5]))
		return Request{
			Kind:      RequestCommand,
			AccountID: accountID,
			Command: queue.Command{
				Kind: queue.SendMessage,
				Dest: UnescapeName(fields[4]),
				Body: body,
				HTML: htmlBody,
			},
		}, nil
	case "invite":
		if len(fields) != 6 {
			return Request{}, fmt.Errorf("usage: account <id> chat invite <chat> <user>")
		}
		return Request{
			Kind:      RequestCommand,
			AccountID: accountID,
			Command: queue.Command{
				Kind: queue.ChatInvite,
				Chat: UnescapeName(fields[4]),
				User: UnescapeName(fields[5]),
			},
		}, nil
	}
	return Request{}, fmt.Errorf("unknown chat command %q", fields[3])
}

// restAfter returns everything in line after the given leading fields,
// preserving interior whitespace of the remainder.
func restAfter(line string, leading []string) string {
	rest := line
	for _, field := range leading {
		index := strings.Index(rest, field)
		rest = rest[index+len(field):]
	}
	return strings.TrimLeft(rest, " ")
}

// ParseMessageBody converts a raw message from the frontend into the plain
// text body and the XHTML body sent to the network. The frontend escapes
// newlines as <br/> and special characters as HTML entities.
func ParseMessageBody(raw string) (body, htmlBody string) {
	body = html.UnescapeString(raw)
	body = strings.Join(breakTag.Split(body, -1), "\n")
	htmlBody = `<body xmlns="http://www.w3.org/1999/xhtml">` + raw + `</body>`
	return body, htmlBody
}
