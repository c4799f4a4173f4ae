package chat

import "github.com/pixelyodha/miracle/pkg/model"

// showAlert surfaces a transient alert for an incoming message. A newer
// qualifying event replaces the current alert rather than queuing behind it;
// the auto-dismiss window restarts.
func (s *Session) showAlert(partnerID string, m model.Message) {
	s.alertTimer.cancel()
	a := Alert{
		PartnerID: partnerID,
		Title:     s.displayName(m.From),
		Preview:   preview(m),
	}
	s.alert = &a
	s.sink.AlertShown(a)
	s.alertTimer = s.schedule(s.cfg.AlertTTL, s.dismissAlert)
}

// dismissAlert clears the visible alert and restores ambient state.
func (s *Session) dismissAlert() {
	s.alertTimer.cancel()
	s.alertTimer = nil
	if s.alert == nil {
		return
	}
	s.alert = nil
	s.sink.AlertCleared()
}

// AlertClicked opens the alerted conversation and dismisses the alert
// immediately.
func (s *Session) AlertClicked() error {
	return s.do(func() error {
		if s.alert == nil {
			return nil
		}
		partnerID := s.alert.PartnerID
		s.dismissAlert()
		return s.selectPartner(partnerID)
	})
}

// ActiveAlert returns the visible alert, nil when none.
func (s *Session) ActiveAlert() *Alert {
	var a *Alert
	s.do(func() error {
		if s.alert != nil {
			cp := *s.alert
			a = &cp
		}
		return nil
	})
	return a
}

// preview is the short alert body: literal text when present, else a
// media-kind label.
func preview(m model.Message) string {
	switch {
	case m.Text != "":
		return m.Text
	case m.MediaKind == model.KindVoice:
		return "Voice message"
	case m.MediaRef != "":
		return "Media message"
	default:
		return "New message"
	}
}
