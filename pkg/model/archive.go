package model

// ArchiveEntry is the firehose envelope the gateway publishes for every
// committed message; the archiver consumes it into long-term history.
type ArchiveEntry struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	Message        Message `json:"message"`
}
