// Package nuqql implements the line-oriented frontend protocol: the
// listener the frontend connects to, the command parser, the account
// store and the outgoing message formats.
package nuqql

import (
	"fmt"
	"net/url"
	"strings"
)

// Outgoing messages are single lines terminated with \r\n. Room and user
// names are percent-escaped by the caller so embedded spaces cannot break
// the field structure.

// ChatMsg formats a group chat message for delivery to the frontend.
func ChatMsg(accountID int, chat string, timestamp int64, sender, body string) string {
	return fmt.Sprintf("chat: msg: %d %s %d %s %s\r\n",
		accountID, chat, timestamp, sender, escapeBody(body))
}

// ChatUser formats a chat roster record. State is "join", "leave" or
// "invite".
func ChatUser(accountID int, chat, userID, alias, state string) string {
	return fmt.Sprintf("chat: user: %d %s %s %s %s\r\n",
		accountID, chat, userID, alias, state)
}

// ChatList formats one entry of the joined/invited room listing.
func ChatList(accountID int, chatID, alias, nick string) string {
	return fmt.Sprintf("chat: list: %d %s %s %s\r\n",
		accountID, chatID, alias, nick)
}

// Buddy formats a buddy list record.
func Buddy(accountID int, status, name, alias string) string {
	return fmt.Sprintf("buddy: %d status: %s name: %s alias: %s\r\n",
		accountID, status, name, alias)
}

// Status formats an account status report.
func Status(accountID int, status string) string {
	return fmt.Sprintf("status: account %d status: %s\r\n", accountID, status)
}

// AccountInfo formats one entry of the account listing, reporting the
// session's current status.
func AccountInfo(a Account, status string) string {
	return fmt.Sprintf("account: %d (%s) %s %s [%s]\r\n",
		a.ID, a.Name(), a.Protocol, a.User, status)
}

// Info formats an informational message.
func Info(text string) string {
	return fmt.Sprintf("info: %s\r\n", text)
}

// Error formats an error message.
func Error(text string) string {
	return fmt.Sprintf("error: %s\r\n", text)
}

// EscapeName percent-escapes a room or user name so it survives as a
// single space-free protocol field.
func EscapeName(name string) string {
	return url.PathEscape(name)
}

// UnescapeName reverses EscapeName. Invalid escapes return the input
// unchanged, so a frontend sending raw names still works.
func UnescapeName(name string) string {
	unescaped, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return unescaped
}

// escapeBody keeps a message body on one protocol line.
func escapeBody(body string) string {
	return strings.ReplaceAll(body, "\n", "<br/>")
}
