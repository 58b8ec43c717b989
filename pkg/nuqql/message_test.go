package nuqql

import "testing"

func TestChatMsgFormat(t *testing.T) {
	got := ChatMsg(0, "Team", 1630000000, "alice", "hello world")
	want := "chat: msg: 0 Team 1630000000 alice hello world\r\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestChatMsgEscapesNewlines(t *testing.T) {
	got := ChatMsg(1, "Team", 1630000000, "alice", "line one\nline two")
	want := "chat: msg: 1 Team 1630000000 alice line one<br/>line two\r\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRecordFormats(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "chat user",
			got:  ChatUser(2, "Team", "@bob:example.org", "Bob", "join"),
			want: "chat: user: 2 Team @bob:example.org Bob join\r\n",
		},
		{
			name: "chat list",
			got:  ChatList(0, "!abc:example.org", "Team", "@alice:example.org"),
			want: "chat: list: 0 !abc:example.org Team @alice:example.org\r\n",
		},
		{
			name: "buddy",
			got:  Buddy(0, "GROUP_CHAT", "!abc:example.org", "Team"),
			want: "buddy: 0 status: GROUP_CHAT name: !abc:example.org alias: Team\r\n",
		},
		{
			name: "status",
			got:  Status(3, "online"),
			want: "status: account 3 status: online\r\n",
		},
		{
			name: "info",
			got:  Info("added account 0."),
			want: "info: added account 0.\r\n",
		},
		{
			name: "error",
			got:  Error("room x not found"),
			want: "error: room x not found\r\n",
		},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.name, tt.want, tt.got)
		}
	}
}

func TestAccountInfoFormat(t *testing.T) {
	account := Account{ID: 1, Protocol: "matrix", User: "alice@example.org"}

	got := AccountInfo(account, "online")
	want := "account: 1 (alice@example.org) matrix alice@example.org [online]\r\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got = AccountInfo(account, "offline")
	want = "account: 1 (alice@example.org) matrix alice@example.org [offline]\r\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestNameEscapingRoundTrip(t *testing.T) {
	names := []string{"Team Chat", "room/with/slashes", "plain", "ümläut"}
	for _, name := range names {
		if got := UnescapeName(EscapeName(name)); got != name {
			t.Errorf("round trip failed for %q: got %q", name, got)
		}
	}

	if escaped := EscapeName("Team Chat"); escaped == "Team Chat" {
		t.Error("spaces must be escaped")
	}
}

func TestUnescapeNameKeepsInvalidInput(t *testing.T) {
	if got := UnescapeName("100%wrong"); got != "100%wrong" {
		t.Errorf("invalid escape should pass through, got %q", got)
	}
}
