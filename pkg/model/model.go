package model

// Participant is a known user of the system. Created on first sign-in,
// mutated by presence updates and profile edits, never deleted.
type Participant struct {
	ID       string `json:"-"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"` // unix millis, store clock
}

// MediaKind classifies an attached media reference. It is decided once at
// send time and trusted thereafter; renderers never re-sniff content.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVoice MediaKind = "voice"
	KindOther MediaKind = "other"
)

// Message is one entry in a conversation log. Immutable once written except
// for Seen, which only the recipient's client may flip to true.
type Message struct {
	ID        string         `json:"-"` // document key, assigned by the store
	From      string         `json:"from"`
	To        string         `json:"to"`
	Timestamp int64          `json:"timestamp"` // unix millis, store clock
	Seen      bool           `json:"seen"`
	Text      string         `json:"text,omitempty"`
	MediaRef  string         `json:"mediaRef,omitempty"`
	MediaKind MediaKind      `json:"mediaKind,omitempty"`
	ReplyTo   *ReplySnapshot `json:"replyTo,omitempty"`
}

// ReplySnapshot is a frozen, denormalized copy of a referenced message taken
// at reply time. It never updates after capture.
type ReplySnapshot struct {
	MessageID string    `json:"messageId"`
	From      string    `json:"from"`
	Text      string    `json:"text,omitempty"`
	MediaRef  string    `json:"mediaRef,omitempty"`
	MediaKind MediaKind `json:"mediaKind,omitempty"`
}

// SnapshotOf captures the reply snapshot for m.
func SnapshotOf(m Message) ReplySnapshot {
	return ReplySnapshot{
		MessageID: m.ID,
		From:      m.From,
		Text:      m.Text,
		MediaRef:  m.MediaRef,
		MediaKind: m.MediaKind,
	}
}

// TypingState is the ephemeral per-(conversation, participant) typing flag.
// Absence of the document means "not typing".
type TypingState struct {
	Typing bool  `json:"typing"`
	At     int64 `json:"at"` // unix millis, store clock
}

// ConversationID returns the canonical key for the conversation between a
// and b. It is order-independent: ConversationID(a, b) == ConversationID(b, a),
// so exactly one shared log exists per unordered pair.
func ConversationID(a, b string) string {
	if a < b {
		return a + "_" + b
	}
	return b + "_" + a
}
