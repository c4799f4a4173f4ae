package chat

import "github.com/pixelyodha/miracle/pkg/model"

// Reply freezes a snapshot of a message in the open conversation as the
// pending reply target. Starting a new reply silently replaces a previous
// pending one; the snapshot never updates after capture.
func (s *Session) Reply(messageID string) error {
	return s.do(func() error {
		if !s.signedIn || s.selected == "" {
			return nil
		}
		convID := model.ConversationID(s.self.ID, s.selected)
		m, ok := s.messages[convID][messageID]
		if !ok {
			return nil
		}
		snap := model.SnapshotOf(m)
		s.pendingReply = &snap
		return nil
	})
}

// CancelReply clears the pending reply without emitting any store write.
func (s *Session) CancelReply() error {
	return s.do(func() error {
		s.pendingReply = nil
		return nil
	})
}

// PendingReply returns the frozen reply target, nil when none.
func (s *Session) PendingReply() *model.ReplySnapshot {
	var snap *model.ReplySnapshot
	s.do(func() error {
		if s.pendingReply != nil {
			cp := *s.pendingReply
			snap = &cp
		}
		return nil
	})
	return snap
}
