package nuqql

import (
	"testing"

	"github.com/nuqql/matrixd/pkg/queue"
)

func TestParseGlobalCommands(t *testing.T) {
	tests := []struct {
		line string
		kind RequestKind
	}{
		{"version", RequestVersion},
		{"help", RequestHelp},
		{"bye", RequestBye},
		{"quit", RequestQuit},
		{"account list", RequestAccountList},
	}
	for _, tt := range tests {
		request, err := ParseLine(tt.line)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.line, err)
			continue
		}
		if request.Kind != tt.kind {
			t.Errorf("%q: expected kind %d, got %d", tt.line, tt.kind, request.Kind)
		}
	}
}

func TestParseAccountAdd(t *testing.T) {
	request, err := ParseLine("account add matrix alice@example.org hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Kind != RequestAccountAdd {
		t.Fatalf("expected account add, got %d", request.Kind)
	}
	if request.Protocol != "matrix" || request.User != "alice@example.org" || request.Password != "hunter2" {
		t.Errorf("unexpected fields: %+v", request)
	}
}

func TestParseAccountDelete(t *testing.T) {
	request, err := ParseLine("account 3 delete")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Kind != RequestAccountDelete || request.AccountID != 3 {
		t.Errorf("unexpected request: %+v", request)
	}
}

func TestParseSendKeepsMessageWhitespace(t *testing.T) {
	request, err := ParseLine("account 0 send Team hello   spaced world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Kind != RequestCommand || request.Command.Kind != queue.SendMessage {
		t.Fatalf("expected send command, got %+v", request)
	}
	if request.Command.Dest != "Team" {
		t.Errorf("unexpected destination %q", request.Command.Dest)
	}
	if request.Command.Body != "hello   spaced world" {
		t.Errorf("message whitespace not preserved: %q", request.Command.Body)
	}
}

func TestParseChatSendCollapsesToSend(t *testing.T) {
	request, err := ParseLine("account 0 chat send Team%20Chat hi there")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Command.Kind != queue.SendMessage {
		t.Fatalf("expected send command, got %v", request.Command.Kind)
	}
	if request.Command.Dest != "Team Chat" {
		t.Errorf("destination not unescaped: %q", request.Command.Dest)
	}
	if request.Command.Body != "hi there" {
		t.Errorf("unexpected body %q", request.Command.Body)
	}
}

func TestParseChatCommands(t *testing.T) {
	tests := []struct {
		line string
		kind queue.Kind
		chat string
	}{
		{"account 1 chat join Team", queue.ChatJoin, "Team"},
		{"account 1 chat part Team", queue.ChatPart, "Team"},
		{"account 1 chat users Team", queue.ChatUsers, "Team"},
	}
	for _, tt := range tests {
		request, err := ParseLine(tt.line)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.line, err)
			continue
		}
		if request.AccountID != 1 || request.Command.Kind != tt.kind || request.Command.Chat != tt.chat {
			t.Errorf("%q: unexpected request: %+v", tt.line, request)
		}
	}

	request, err := ParseLine("account 1 chat invite Team @bob:example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Command.Kind != queue.ChatInvite || request.Command.User != "@bob:example.org" {
		t.Errorf("unexpected invite request: %+v", request)
	}

	request, err = ParseLine("account 1 chat list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Command.Kind != queue.ChatList {
		t.Errorf("expected chat list, got %v", request.Command.Kind)
	}
}

func TestParseStatusAndBuddies(t *testing.T) {
	request, err := ParseLine("account 2 status get")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Command.Kind != queue.GetStatus {
		t.Errorf("expected status get, got %v", request.Command.Kind)
	}

	request, err = ParseLine("account 2 status set away")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Command.Kind != queue.SetStatus || request.Command.Status != "away" {
		t.Errorf("unexpected status set request: %+v", request)
	}

	request, err = ParseLine("account 2 buddies online")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Command.Kind != queue.GetBuddies || !request.Command.OnlineOnly {
		t.Errorf("unexpected buddies request: %+v", request)
	}
}

func TestParseRejectsMalformedCommands(t *testing.T) {
	malformed := []string{
		"",
		"frobnicate",
		"account",
		"account add matrix alice",
		"account x delete",
		"account 0 send Team",
		"account 0 chat dance Team",
		"account 0 status set",
	}
	for _, line := range malformed {
		if _, err := ParseLine(line); err == nil {
			t.Errorf("%q: expected parse error", line)
		}
	}
}

func TestParseMessageBody(t *testing.T) {
	body, htmlBody := ParseMessageBody("one<br/>two &amp; three<BR>four")
	if body != "one\ntwo & three\nfour" {
		t.Errorf("unexpected plain body %q", body)
	}
	want := `<body xmlns="http://www.w3.org/1999/xhtml">one<br/>two &amp; three<BR>four</body>`
	if htmlBody != want {
		t.Errorf("unexpected html body %q", htmlBody)
	}
}
