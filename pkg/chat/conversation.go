package chat

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/pixelyodha/miracle/pkg/model"
	"github.com/pixelyodha/miracle/pkg/store"
)

// ensureConversation opens the message feed for the pair (self, partner).
// Subscriptions are keyed by conversation id and exactly one may be live per
// id: re-subscribing to an id that already has a feed is a no-op.
func (s *Session) ensureConversation(partnerID string) {
	convID := model.ConversationID(s.self.ID, partnerID)
	if _, ok := s.msgSubs[convID]; ok {
		return
	}
	s.convPartner[convID] = partnerID
	sub, err := s.store.Subscribe(messagesCollection(convID),
		func(snap store.Snapshot) { s.post(func() { s.applyMessages(convID, snap) }) },
		func(err error) { s.post(func() { s.storeNotice("Failed to load messages.", err) }) },
	)
	if err != nil {
		s.storeNotice("Failed to load messages.", err)
		return
	}
	s.msgSubs[convID] = sub
}

// applyMessages processes one snapshot delivery for a conversation: the
// local cache is replaced wholesale (the store is the source of truth, no
// client-side merge), and a strictly larger message count is the sole signal
// that a new message arrived. A same-count delivery is never "new", even if
// content differs.
func (s *Session) applyMessages(convID string, snap store.Snapshot) {
	if !s.signedIn {
		return
	}
	prev := s.messages[convID]
	next := make(map[string]model.Message, len(snap))
	for id, raw := range snap {
		var m model.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("bad message %s in %s: %v", id, convID, err)
			continue
		}
		m.ID = id
		next[id] = m
	}
	isNew := len(next) > len(prev)
	s.messages[convID] = next

	partnerID := s.convPartner[convID]

	if isNew {
		if latest := latestMessage(next); latest != nil &&
			latest.From != s.self.ID && s.selected != partnerID {
			s.showAlert(partnerID, *latest)
		}
	}

	if s.selected == partnerID {
		s.sink.ConversationChanged(partnerID, s.sortedMessages(convID))
		s.markSeen(convID, partnerID)
	}
	s.emitRoster()
}

func latestMessage(msgs map[string]model.Message) *model.Message {
	var latest *model.Message
	for id := range msgs {
		m := msgs[id]
		if latest == nil || m.Timestamp > latest.Timestamp {
			latest = &m
		}
	}
	return latest
}

// markSeen flips seen=true on exactly the partner's unseen messages, as one
// atomic multi-key patch. Only the recipient ever writes seen; a sender's
// own messages are never touched.
func (s *Session) markSeen(convID, partnerID string) {
	patch := store.Patch{}
	for id, m := range s.messages[convID] {
		if m.From == partnerID && !m.Seen {
			patch[store.DocPath(messagesCollection(convID), id)] = store.Fields{"seen": true}
		}
	}
	if len(patch) == 0 {
		return
	}
	if err := s.store.Update(patch); err != nil {
		log.Printf("failed to mark %d messages seen in %s: %v", len(patch), convID, err)
	}
}

// Select opens the conversation with a partner. The previous conversation's
// typing feed is released before the new one is established, so a stale
// callback can never overwrite newer state.
func (s *Session) Select(partnerID string) error {
	return s.do(func() error { return s.selectPartner(partnerID) })
}

func (s *Session) selectPartner(partnerID string) error {
	if !s.signedIn || partnerID == s.self.ID {
		return nil
	}
	if _, known := s.roster[partnerID]; !known {
		return nil
	}
	if s.selected == partnerID {
		return nil
	}
	if s.typingConv != "" {
		s.clearTyping(s.typingConv) // switching away counts as losing focus
	}
	if s.typingSub != nil {
		s.typingSub.Close()
		s.typingSub = nil
	}

	s.selected = partnerID
	s.ensureConversation(partnerID)
	s.watchTyping(partnerID)

	convID := model.ConversationID(s.self.ID, partnerID)
	s.sink.ConversationChanged(partnerID, s.sortedMessages(convID))
	s.markSeen(convID, partnerID)
	s.emitRoster()
	return nil
}

// Send composes and appends a message to the open conversation. Media is
// sniffed from the text once, here at send time; the resulting kind is
// trusted thereafter. An empty send with no pending reply is a silent no-op.
// A successful send clears the pending reply and the typing state.
func (s *Session) Send(text string) error {
	return s.do(func() error { return s.send(text, "", "") })
}

// SendVoice appends a voice message carrying a pre-encoded media reference,
// honoring any pending reply.
func (s *Session) SendVoice(mediaRef string) error {
	return s.do(func() error {
		if mediaRef == "" {
			return nil
		}
		return s.send("", mediaRef, model.KindVoice)
	})
}

func (s *Session) send(text, mediaRef string, kind model.MediaKind) error {
	if !s.signedIn || s.selected == "" {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" && mediaRef == "" && s.pendingReply == nil {
		return nil
	}

	msg := model.Message{
		From:      s.self.ID,
		To:        s.selected,
		Timestamp: store.ServerTimestamp,
		Seen:      false,
		ReplyTo:   s.pendingReply,
	}
	if mediaRef != "" {
		msg.MediaRef = mediaRef
		msg.MediaKind = kind
	} else if ref, k, ok := model.DetectMedia(text); ok {
		msg.MediaRef = ref
		msg.MediaKind = k
		if rest := model.StripMedia(text, ref); rest != "" {
			msg.Text = rest
		}
	} else {
		msg.Text = text
	}

	convID := model.ConversationID(s.self.ID, s.selected)
	if _, err := s.store.Push(messagesCollection(convID), msg); err != nil {
		s.storeNotice("Failed to send message. Please try again.", err)
		return fmt.Errorf("send: %w", err)
	}

	// Dependent local state is cleared only after the write lands.
	s.pendingReply = nil
	s.clearTyping(convID)
	return nil
}

// Messages returns the open view of one conversation, ascending by store
// timestamp. The store clock is the only ordering authority; ties break by
// push id, which also sorts in commit order.
func (s *Session) Messages(partnerID string) []model.Message {
	var msgs []model.Message
	s.do(func() error {
		if s.signedIn {
			msgs = s.sortedMessages(model.ConversationID(s.self.ID, partnerID))
		}
		return nil
	})
	return msgs
}

func (s *Session) sortedMessages(convID string) []model.Message {
	cache := s.messages[convID]
	msgs := make([]model.Message, 0, len(cache))
	for _, m := range cache {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}
