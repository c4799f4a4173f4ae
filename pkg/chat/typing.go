package chat

import (
	"encoding/json"
	"log"

	"github.com/pixelyodha/miracle/pkg/model"
	"github.com/pixelyodha/miracle/pkg/store"
)

// Typing records one local composition-input event: the typing flag is
// written for the open conversation and the idle expiry is (re)armed. At
// most one expiry is pending per typing session; each keystroke cancels and
// restarts it.
func (s *Session) Typing() error {
	return s.do(func() error {
		if !s.signedIn || s.selected == "" {
			return nil
		}
		convID := model.ConversationID(s.self.ID, s.selected)
		if err := s.store.Write(typingCollection(convID), s.self.ID, model.TypingState{
			Typing: true,
			At:     store.ServerTimestamp,
		}); err != nil {
			log.Printf("failed to set typing state in %s: %v", convID, err)
			return nil
		}
		s.typingConv = convID
		s.typingGen++
		gen := s.typingGen
		s.typingTimer.cancel()
		s.typingTimer = s.schedule(s.cfg.TypingIdle, func() { s.expireTyping(convID, gen) })
		return nil
	})
}

// expireTyping is the idle-timer path. The generation check drops a timer
// that fired in the instant before a newer keystroke re-armed it.
func (s *Session) expireTyping(convID string, gen int) {
	if gen != s.typingGen {
		return
	}
	s.clearTyping(convID)
}

// StopTyping clears the local typing flag immediately, as on the input
// losing focus.
func (s *Session) StopTyping() error {
	return s.do(func() error {
		if !s.signedIn || s.typingConv == "" {
			return nil
		}
		s.clearTyping(s.typingConv)
		return nil
	})
}

// clearTyping removes the local typing record and disarms the pending
// expiry. Absence of the record means "not typing".
func (s *Session) clearTyping(convID string) {
	s.typingGen++
	s.typingTimer.cancel()
	s.typingTimer = nil
	if s.typingConv != convID {
		return
	}
	s.typingConv = ""
	if err := s.store.Delete(typingCollection(convID), s.self.ID); err != nil {
		log.Printf("failed to clear typing state in %s: %v", convID, err)
	}
}

// watchTyping opens the partner's typing feed for the open conversation.
// The raw flag is rendered as-is on every delivery; no read-side debounce.
func (s *Session) watchTyping(partnerID string) {
	convID := model.ConversationID(s.self.ID, partnerID)
	sub, err := s.store.Subscribe(typingCollection(convID),
		func(snap store.Snapshot) { s.post(func() { s.applyTyping(convID, partnerID, snap) }) },
		func(err error) { log.Printf("typing feed error in %s: %v", convID, err) },
	)
	if err != nil {
		log.Printf("typing subscription failed for %s: %v", convID, err)
		return
	}
	s.typingSub = sub
}

func (s *Session) applyTyping(convID, partnerID string, snap store.Snapshot) {
	if !s.signedIn || s.selected != partnerID {
		return // stale delivery from a superseded feed
	}
	typing := false
	if raw, ok := snap[partnerID]; ok {
		var ts model.TypingState
		if err := json.Unmarshal(raw, &ts); err == nil {
			typing = ts.Typing
		}
	}
	s.sink.TypingChanged(partnerID, typing)
}
