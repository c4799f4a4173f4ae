package chat

import (
	"log"

	"github.com/pixelyodha/miracle/pkg/store"
)

// startPresence watches the connectivity signal. Every transition to
// connected republishes the online record and re-arms the server-side
// offline fallback; arming is connection scoped, so a reconnect must arm
// again. Presence is best effort and never blocks messaging.
func (s *Session) startPresence() {
	sub, err := s.store.Connectivity(func(connected bool) {
		s.post(func() { s.onConnectivity(connected) })
	})
	if err != nil {
		log.Printf("connectivity watch failed: %v", err)
		return
	}
	s.connSub = sub
}

func (s *Session) onConnectivity(connected bool) {
	if !s.signedIn || !connected {
		// Offline transitions are the store's job: the armed fallback
		// writes fire without our help.
		return
	}
	self := store.DocPath(usersCollection, s.self.ID)
	if err := s.store.Update(store.Patch{
		self: {"online": true, "lastSeen": store.ServerTimestamp},
	}); err != nil {
		s.storeNotice("Failed to publish presence.", err)
	}
	if err := s.store.OnDisconnectArm(usersCollection, s.self.ID, store.Fields{
		"online":   false,
		"lastSeen": store.ServerTimestamp,
	}); err != nil {
		log.Printf("failed to arm disconnect fallback for %s: %v", s.self.ID, err)
	}
}
