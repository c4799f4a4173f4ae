package chat

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pixelyodha/miracle/pkg/identity"
	"github.com/pixelyodha/miracle/pkg/model"
	"github.com/pixelyodha/miracle/pkg/store"
)

const usersCollection = "users"

func messagesCollection(convID string) string { return "messages/" + convID }
func typingCollection(convID string) string   { return "typing/" + convID }

// Session is the application-state controller for one signed-in client. All
// state lives behind a single event loop goroutine started by NewSession.
type Session struct {
	store store.Realtime
	ident identity.Provider
	sink  Sink
	cfg   Config

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the event loop.
	self     identity.Profile
	signedIn bool
	selected string // partner id of the open conversation, "" when none

	roster      map[string]model.Participant
	messages    map[string]map[string]model.Message // conv id -> msg id -> msg
	convPartner map[string]string                   // conv id -> partner id

	rosterSub store.Subscription
	connSub   store.Subscription
	msgSubs   map[string]store.Subscription // keyed by conv id; one live sub per id
	typingSub store.Subscription            // partner typing feed, open conversation only

	pendingReply *model.ReplySnapshot
	typingTimer  *task // the single pending typing expiry
	typingConv   string
	typingGen    int

	alert      *Alert
	alertTimer *task
}

func NewSession(st store.Realtime, ident identity.Provider, sink Sink, cfg Config) *Session {
	if sink == nil {
		sink = NopSink{}
	}
	s := &Session{
		store:       st,
		ident:       ident,
		sink:        sink,
		cfg:         cfg.withDefaults(),
		events:      make(chan func(), 64),
		done:        make(chan struct{}),
		roster:      make(map[string]model.Participant),
		messages:    make(map[string]map[string]model.Message),
		convPartner: make(map[string]string),
		msgSubs:     make(map[string]store.Subscription),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// post hands an event to the loop without waiting for it.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// do runs fn on the loop and returns its result.
func (s *Session) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.events <- func() { errc <- fn() }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Close stops the event loop. SignOut first for a clean presence handoff.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// SignIn authenticates, publishes the local participant record and opens the
// roster and connectivity feeds. Authentication failures abort with a
// remediation message and are not retried.
func (s *Session) SignIn() error {
	return s.do(func() error {
		if s.signedIn {
			return nil
		}
		prof, err := s.ident.SignIn()
		if err != nil {
			return fmt.Errorf("sign-in failed: %w", err)
		}
		s.self = prof
		s.signedIn = true

		if err := s.store.Write(usersCollection, prof.ID, model.Participant{
			Name:     prof.DisplayName,
			Avatar:   prof.Avatar,
			Online:   true,
			LastSeen: store.ServerTimestamp,
		}); err != nil {
			log.Printf("failed to store user record for %s: %v", prof.ID, err)
			s.sink.Notice("Failed to publish your profile.")
		}

		s.startPresence()

		sub, err := s.store.Subscribe(usersCollection,
			func(snap store.Snapshot) { s.post(func() { s.applyRoster(snap) }) },
			func(err error) { s.post(func() { s.storeNotice("Failed to load users.", err) }) },
		)
		if err != nil {
			return fmt.Errorf("roster subscription failed: %w", err)
		}
		s.rosterSub = sub
		return nil
	})
}

// SignOut writes the offline presence record synchronously, releases every
// subscription and resets all local view state.
func (s *Session) SignOut() error {
	return s.do(func() error {
		if !s.signedIn {
			return nil
		}
		if s.typingConv != "" {
			s.clearTyping(s.typingConv)
		}
		if err := s.store.Update(store.Patch{
			store.DocPath(usersCollection, s.self.ID): {
				"online":   false,
				"lastSeen": store.ServerTimestamp,
			},
		}); err != nil {
			log.Printf("failed to set %s offline: %v", s.self.ID, err)
		}

		s.teardownSubs()
		if err := s.ident.SignOut(); err != nil {
			log.Printf("provider sign-out: %v", err)
		}

		s.dismissAlert()
		s.signedIn = false
		s.self = identity.Profile{}
		s.selected = ""
		s.roster = make(map[string]model.Participant)
		s.messages = make(map[string]map[string]model.Message)
		s.convPartner = make(map[string]string)
		s.pendingReply = nil
		return nil
	})
}

func (s *Session) teardownSubs() {
	if s.rosterSub != nil {
		s.rosterSub.Close()
		s.rosterSub = nil
	}
	if s.connSub != nil {
		s.connSub.Close()
		s.connSub = nil
	}
	if s.typingSub != nil {
		s.typingSub.Close()
		s.typingSub = nil
	}
	for convID, sub := range s.msgSubs {
		sub.Close()
		delete(s.msgSubs, convID)
	}
}

// UpdateDisplayName propagates a profile edit to the provider and the shared
// participant record.
func (s *Session) UpdateDisplayName(name string) error {
	return s.do(func() error {
		if !s.signedIn {
			return nil
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return errors.New("display name cannot be empty")
		}
		if err := s.ident.UpdateDisplayName(name); err != nil {
			return err
		}
		if err := s.store.Update(store.Patch{
			store.DocPath(usersCollection, s.self.ID): {"name": name},
		}); err != nil {
			s.storeNotice("Failed to update display name.", err)
			return err
		}
		s.self.DisplayName = name
		return nil
	})
}

// Self returns the signed-in profile, zero when signed out.
func (s *Session) Self() identity.Profile {
	var prof identity.Profile
	s.do(func() error {
		prof = s.self
		return nil
	})
	return prof
}

// Selected returns the partner id of the open conversation, "" when none.
func (s *Session) Selected() string {
	var id string
	s.do(func() error {
		id = s.selected
		return nil
	})
	return id
}

func (s *Session) storeNotice(msg string, err error) {
	log.Printf("%s: %v", msg, err)
	s.sink.Notice(msg)
}

func (s *Session) displayName(id string) string {
	if p, ok := s.roster[id]; ok && p.Name != "" {
		return p.Name
	}
	return "User"
}

// task is a cancellable scheduled callback that fires on the session loop.
type task struct {
	t *time.Timer
}

func (s *Session) schedule(d time.Duration, fn func()) *task {
	return &task{t: time.AfterFunc(d, func() { s.post(fn) })}
}

func (t *task) cancel() {
	if t != nil {
		t.t.Stop()
	}
}
