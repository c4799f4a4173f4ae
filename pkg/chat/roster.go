package chat

import (
	"encoding/json"
	"log"
	"sort"

	"github.com/pixelyodha/miracle/pkg/model"
	"github.com/pixelyodha/miracle/pkg/store"
)

// applyRoster replaces the mirrored participant set from a snapshot, makes
// sure a message feed is open for every other participant (alerts listen to
// all pairs, not just the open one) and re-emits the rendered list.
func (s *Session) applyRoster(snap store.Snapshot) {
	if !s.signedIn {
		return
	}
	roster := make(map[string]model.Participant, len(snap))
	for id, raw := range snap {
		var p model.Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("bad participant record %s: %v", id, err)
			continue
		}
		p.ID = id
		roster[id] = p
	}
	s.roster = roster

	for id := range roster {
		if id == s.self.ID {
			continue
		}
		s.ensureConversation(id)
	}
	s.emitRoster()
}

// emitRoster recomputes the rendered roster. Unread counts are a pure
// function of the current message cache, recomputed in full on every
// refresh, so they self-heal from any missed update.
func (s *Session) emitRoster() {
	s.sink.RosterChanged(s.rosterEntries())
}

func (s *Session) rosterEntries() []RosterEntry {
	entries := make([]RosterEntry, 0, len(s.roster))
	for id, p := range s.roster {
		if id == s.self.ID {
			continue
		}
		entries = append(entries, RosterEntry{Participant: p, Unread: s.unread(id)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// unread counts the partner's messages not yet seen by us.
func (s *Session) unread(partnerID string) int {
	convID := model.ConversationID(s.self.ID, partnerID)
	n := 0
	for _, m := range s.messages[convID] {
		if m.From == partnerID && !m.Seen {
			n++
		}
	}
	return n
}

// Roster returns the rendered participant list, local participant excluded,
// sorted by id.
func (s *Session) Roster() []RosterEntry {
	var entries []RosterEntry
	s.do(func() error {
		entries = s.rosterEntries()
		return nil
	})
	return entries
}

// UnreadCount returns the unread-message count for one partner.
func (s *Session) UnreadCount(partnerID string) int {
	var n int
	s.do(func() error {
		if s.signedIn {
			n = s.unread(partnerID)
		}
		return nil
	})
	return n
}
