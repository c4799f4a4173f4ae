package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pixelyodha/miracle/pkg/db"
	"github.com/pixelyodha/miracle/pkg/model"
)

type Consumer struct {
	reader *kafka.Reader
	db     *db.Session
}

func NewConsumer(brokers []string, topic string, groupID string, session *db.Session) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: r, db: session}
}

// Consume drains the message firehose into the archive table. Entries are
// idempotent upserts keyed by (conversation, message id), so replays after a
// consumer-group rebalance are harmless.
func (c *Consumer) Consume(ctx context.Context) {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			log.Printf("Error reading message: %v. Retrying in 1s...", err)
			time.Sleep(1 * time.Second)
			continue
		}

		var entry model.ArchiveEntry
		if err := json.Unmarshal(m.Value, &entry); err != nil {
			log.Printf("Failed to unmarshal archive entry: %v", err)
			continue
		}
		if entry.ConversationID == "" || entry.MessageID == "" {
			log.Printf("Skipping archive entry with missing keys: %s", string(m.Value))
			continue
		}

		msg := entry.Message
		query := `INSERT INTO messages (conversation_id, id, from_user, to_user, sent_at, seen, body, media_ref, media_kind)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

		if err := c.db.Query(query,
			entry.ConversationID,
			entry.MessageID,
			msg.From,
			msg.To,
			time.UnixMilli(msg.Timestamp),
			msg.Seen,
			msg.Text,
			msg.MediaRef,
			string(msg.MediaKind),
		).Exec(); err != nil {
			log.Printf("Failed to save message to ScyllaDB: %v", err)
		} else {
			log.Printf("Message archived: %s/%s", entry.ConversationID, entry.MessageID)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
