package bus

// Message is a single formatted protocol line destined for the frontend.
// AccountID identifies the originating account; the text is already in the
// frontend's wire format, terminator included.
type Message struct {
	AccountID int    `json:"account_id"`
	Text      string `json:"text"`
}
