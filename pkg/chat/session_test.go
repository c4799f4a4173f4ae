package chat_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelyodha/miracle/pkg/chat"
	"github.com/pixelyodha/miracle/pkg/identity"
	"github.com/pixelyodha/miracle/pkg/model"
	"github.com/pixelyodha/miracle/pkg/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recordingSink captures session events for assertions. Callbacks arrive on
// the session loop, so every accessor takes the lock.
type recordingSink struct {
	mu      sync.Mutex
	alerts  []chat.Alert
	cleared int
	typing  []bool
	notices []string
}

func (r *recordingSink) RosterChanged([]chat.RosterEntry)            {}
func (r *recordingSink) ConversationChanged(string, []model.Message) {}

func (r *recordingSink) TypingChanged(_ string, typing bool) {
	r.mu.Lock()
	r.typing = append(r.typing, typing)
	r.mu.Unlock()
}

func (r *recordingSink) AlertShown(a chat.Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func (r *recordingSink) AlertCleared() {
	r.mu.Lock()
	r.cleared++
	r.mu.Unlock()
}

func (r *recordingSink) Notice(msg string) {
	r.mu.Lock()
	r.notices = append(r.notices, msg)
	r.mu.Unlock()
}

func (r *recordingSink) alertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func (r *recordingSink) lastAlert() (chat.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.alerts) == 0 {
		return chat.Alert{}, false
	}
	return r.alerts[len(r.alerts)-1], true
}

func (r *recordingSink) clearedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleared
}

func (r *recordingSink) lastTyping() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.typing) == 0 {
		return false, false
	}
	return r.typing[len(r.typing)-1], true
}

// countingStore tallies mutating store traffic on top of the in-memory
// backend.
type countingStore struct {
	*store.Memory
	mu      sync.Mutex
	writes  int
	updates int
	pushes  int
	deletes int
}

func (c *countingStore) Write(collection, id string, doc any) error {
	c.bump(&c.writes)
	return c.Memory.Write(collection, id, doc)
}

func (c *countingStore) Update(patch store.Patch) error {
	c.bump(&c.updates)
	return c.Memory.Update(patch)
}

func (c *countingStore) Push(collection string, doc any) (string, error) {
	c.bump(&c.pushes)
	return c.Memory.Push(collection, doc)
}

func (c *countingStore) Delete(collection, id string) error {
	c.bump(&c.deletes)
	return c.Memory.Delete(collection, id)
}

func (c *countingStore) bump(n *int) {
	c.mu.Lock()
	*n++
	c.mu.Unlock()
}

func (c *countingStore) counts() (writes, updates, pushes, deletes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes, c.updates, c.pushes, c.deletes
}

func startSession(t *testing.T, st store.Realtime, id, name string, sink chat.Sink, cfg chat.Config) *chat.Session {
	t.Helper()
	s := chat.NewSession(st, identity.NewStatic(identity.Profile{ID: id, DisplayName: name}), sink, cfg)
	require.NoError(t, s.SignIn())
	t.Cleanup(s.Close)
	return s
}

// seedUser publishes a participant record directly, standing in for a peer
// that is not running a session in the test.
func seedUser(t *testing.T, st store.Realtime, id, name string) {
	t.Helper()
	require.NoError(t, st.Write("users", id, model.Participant{
		Name:     name,
		Online:   true,
		LastSeen: store.ServerTimestamp,
	}))
}

func waitRoster(t *testing.T, s *chat.Session, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		have := map[string]bool{}
		for _, e := range s.Roster() {
			have[e.ID] = true
		}
		for _, id := range ids {
			if !have[id] {
				return false
			}
		}
		return true
	}, waitFor, tick, "roster never listed %v", ids)
}

func waitMessages(t *testing.T, s *chat.Session, partnerID string, n int) []model.Message {
	t.Helper()
	var msgs []model.Message
	require.Eventually(t, func() bool {
		msgs = s.Messages(partnerID)
		return len(msgs) == n
	}, waitFor, tick, "conversation with %s never reached %d messages", partnerID, n)
	return msgs
}

func rosterEntry(t *testing.T, s *chat.Session, id string) (chat.RosterEntry, bool) {
	t.Helper()
	for _, e := range s.Roster() {
		if e.ID == id {
			return e, true
		}
	}
	return chat.RosterEntry{}, false
}

func TestSendDeliversAndMarksSeen(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	bobSink := &recordingSink{}
	alice := startSession(t, st, "alice", "Alice", &recordingSink{}, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", bobSink, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")

	require.NoError(t, alice.Select("bob"))
	require.NoError(t, bob.Select("alice"))
	require.NoError(t, alice.Send("hi bob"))

	msgs := waitMessages(t, bob, "alice", 1)
	m := msgs[0]
	assert.Equal(t, "alice", m.From)
	assert.Equal(t, "bob", m.To)
	assert.Equal(t, "hi bob", m.Text)
	assert.Greater(t, m.Timestamp, int64(0), "store must stamp the commit time")

	// Bob has the conversation open, so the message flips to seen and no
	// alert fires.
	require.Eventually(t, func() bool {
		msgs := alice.Messages("bob")
		return len(msgs) == 1 && msgs[0].Seen
	}, waitFor, tick, "recipient with the conversation open must mark seen")
	assert.Zero(t, bob.UnreadCount("alice"))
	assert.Zero(t, bobSink.alertCount())

	require.NoError(t, bob.Send("hey"))
	msgs = waitMessages(t, alice, "bob", 2)
	assert.Equal(t, "bob", msgs[1].From)
	assert.GreaterOrEqual(t, msgs[1].Timestamp, msgs[0].Timestamp)
}

func TestUnreadCounts(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", nil, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")

	require.NoError(t, alice.Select("bob"))
	require.NoError(t, alice.Send("one"))
	require.NoError(t, alice.Send("two"))

	require.Eventually(t, func() bool { return bob.UnreadCount("alice") == 2 },
		waitFor, tick)
	assert.Equal(t, 2, bob.UnreadCount("alice"), "recount must be stable")

	entry, ok := rosterEntry(t, bob, "alice")
	require.True(t, ok)
	assert.Equal(t, 2, entry.Unread)

	// The sender's own open conversation never marks anything seen.
	for _, m := range alice.Messages("bob") {
		assert.False(t, m.Seen)
	}

	require.NoError(t, bob.Select("alice"))
	require.Eventually(t, func() bool { return bob.UnreadCount("alice") == 0 },
		waitFor, tick)
	require.Eventually(t, func() bool {
		for _, m := range alice.Messages("bob") {
			if !m.Seen {
				return false
			}
		}
		return true
	}, waitFor, tick, "seen must propagate back to the sender")
}

func TestIncomingAlert(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	bobSink := &recordingSink{}
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", bobSink, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")

	require.NoError(t, alice.Select("bob"))
	require.NoError(t, alice.Send("hello there"))

	require.Eventually(t, func() bool { return bobSink.alertCount() == 1 },
		waitFor, tick)
	a, ok := bobSink.lastAlert()
	require.True(t, ok)
	assert.Equal(t, "alice", a.PartnerID)
	assert.Equal(t, "Alice", a.Title)
	assert.Equal(t, "hello there", a.Preview)
	require.NotNil(t, bob.ActiveAlert())

	// A second message replaces the visible alert, it does not queue.
	require.NoError(t, alice.Send("again"))
	require.Eventually(t, func() bool {
		a, ok := bobSink.lastAlert()
		return ok && a.Preview == "again"
	}, waitFor, tick)

	require.NoError(t, bob.AlertClicked())
	assert.Equal(t, "alice", bob.Selected())
	assert.Nil(t, bob.ActiveAlert())
	require.Eventually(t, func() bool { return bob.UnreadCount("alice") == 0 },
		waitFor, tick)
}

func TestContentChangeIsNotNewMessage(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	bobSink := &recordingSink{}
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", bobSink, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")

	require.NoError(t, alice.Select("bob"))
	require.NoError(t, alice.Send("original"))
	require.Eventually(t, func() bool { return bobSink.alertCount() == 1 },
		waitFor, tick)

	// Mutating an existing message keeps the count flat: the delivery is
	// applied but never treated as an arrival.
	id := bob.Messages("alice")[0].ID
	convID := model.ConversationID("alice", "bob")
	require.NoError(t, st.Update(store.Patch{
		store.DocPath("messages/"+convID, id): {"text": "edited"},
	}))
	require.Eventually(t, func() bool {
		msgs := bob.Messages("alice")
		return len(msgs) == 1 && msgs[0].Text == "edited"
	}, waitFor, tick)
	assert.Equal(t, 1, bobSink.alertCount())

	require.NoError(t, alice.Send("second"))
	require.Eventually(t, func() bool { return bobSink.alertCount() == 2 },
		waitFor, tick)
}

func TestAlertAutoDismiss(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	bobSink := &recordingSink{}
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", bobSink, chat.Config{AlertTTL: 80 * time.Millisecond})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")

	require.NoError(t, alice.Select("bob"))
	require.NoError(t, alice.Send("ping"))

	require.Eventually(t, func() bool { return bob.ActiveAlert() != nil },
		waitFor, tick)
	require.Eventually(t, func() bool { return bob.ActiveAlert() == nil },
		waitFor, tick, "alert must auto-dismiss after its ttl")
	assert.Equal(t, 1, bobSink.clearedCount())
	assert.Equal(t, "", bob.Selected(), "auto-dismiss must not open the conversation")
}

func TestEmptySendIsNoop(t *testing.T) {
	cs := &countingStore{Memory: store.NewMemory()}
	defer cs.Close()
	seedUser(t, cs, "bob", "Bob")
	alice := startSession(t, cs, "alice", "Alice", nil, chat.Config{})
	waitRoster(t, alice, "bob")
	require.NoError(t, alice.Select("bob"))

	_, _, pushes, _ := cs.counts()
	require.NoError(t, alice.Send(""))
	require.NoError(t, alice.Send("   \t  "))
	_, _, after, _ := cs.counts()
	assert.Equal(t, pushes, after, "blank input must not reach the store")
	assert.Empty(t, alice.Messages("bob"))
}

func TestSendWithoutSelectionIsNoop(t *testing.T) {
	cs := &countingStore{Memory: store.NewMemory()}
	defer cs.Close()
	alice := startSession(t, cs, "alice", "Alice", nil, chat.Config{})

	_, _, pushes, _ := cs.counts()
	require.NoError(t, alice.Send("into the void"))
	_, _, after, _ := cs.counts()
	assert.Equal(t, pushes, after)
}

func TestSelectUnknownPartnerIsNoop(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	require.NoError(t, alice.Select("stranger"))
	assert.Equal(t, "", alice.Selected())
}

func TestReplyFlow(t *testing.T) {
	cs := &countingStore{Memory: store.NewMemory()}
	defer cs.Close()
	seedUser(t, cs, "bob", "Bob")
	alice := startSession(t, cs, "alice", "Alice", nil, chat.Config{})
	waitRoster(t, alice, "bob")
	require.NoError(t, alice.Select("bob"))

	require.NoError(t, alice.Send("first"))
	msgs := waitMessages(t, alice, "bob", 1)
	target := msgs[0]

	// Unknown targets are ignored.
	require.NoError(t, alice.Reply("no-such-id"))
	assert.Nil(t, alice.PendingReply())

	require.NoError(t, alice.Reply(target.ID))
	pr := alice.PendingReply()
	require.NotNil(t, pr)
	assert.Equal(t, target.ID, pr.MessageID)
	assert.Equal(t, "first", pr.Text)

	// Cancelling is purely local.
	writes, updates, pushes, deletes := cs.counts()
	require.NoError(t, alice.CancelReply())
	assert.Nil(t, alice.PendingReply())
	w2, u2, p2, d2 := cs.counts()
	assert.Equal(t, [4]int{writes, updates, pushes, deletes}, [4]int{w2, u2, p2, d2},
		"cancelling a reply must not touch the store")

	// A reply with no body still sends, carrying only the frozen snapshot.
	require.NoError(t, alice.Reply(target.ID))
	require.NoError(t, alice.Send(""))
	msgs = waitMessages(t, alice, "bob", 2)
	reply := msgs[1]
	assert.Empty(t, reply.Text)
	assert.Empty(t, reply.MediaRef)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, target.ID, reply.ReplyTo.MessageID)
	assert.Equal(t, "first", reply.ReplyTo.Text)
	assert.Nil(t, alice.PendingReply(), "a sent reply clears the pending target")
}

func TestReplySnapshotIsFrozen(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedUser(t, st, "bob", "Bob")
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	waitRoster(t, alice, "bob")
	require.NoError(t, alice.Select("bob"))

	require.NoError(t, alice.Send("original"))
	msgs := waitMessages(t, alice, "bob", 1)
	require.NoError(t, alice.Reply(msgs[0].ID))

	convID := model.ConversationID("alice", "bob")
	require.NoError(t, st.Update(store.Patch{
		store.DocPath("messages/"+convID, msgs[0].ID): {"text": "edited"},
	}))
	require.Eventually(t, func() bool {
		msgs := alice.Messages("bob")
		return len(msgs) == 1 && msgs[0].Text == "edited"
	}, waitFor, tick)

	pr := alice.PendingReply()
	require.NotNil(t, pr)
	assert.Equal(t, "original", pr.Text, "the snapshot must not track later edits")
}

func TestMediaSend(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	bobSink := &recordingSink{}
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", bobSink, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")
	require.NoError(t, alice.Select("bob"))

	require.NoError(t, alice.Send("look https://pics.test/cat.png"))
	msgs := waitMessages(t, bob, "alice", 1)
	assert.Equal(t, "https://pics.test/cat.png", msgs[0].MediaRef)
	assert.Equal(t, model.KindImage, msgs[0].MediaKind)
	assert.Equal(t, "look", msgs[0].Text)

	require.NoError(t, alice.SendVoice("data:audio/webm;base64,AAAA"))
	msgs = waitMessages(t, bob, "alice", 2)
	voice := msgs[1]
	assert.Equal(t, model.KindVoice, voice.MediaKind)
	assert.Equal(t, "data:audio/webm;base64,AAAA", voice.MediaRef)
	assert.Empty(t, voice.Text)

	require.Eventually(t, func() bool {
		a, ok := bobSink.lastAlert()
		return ok && a.Preview == "Voice message"
	}, waitFor, tick, "voice alerts use a kind label, not the payload")

	require.NoError(t, alice.SendVoice(""))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, bob.Messages("alice"), 2, "empty voice ref must not send")
}

func TestPresenceDisconnect(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", nil, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")

	online := func(s *chat.Session, id string) func() bool {
		return func() bool {
			e, ok := rosterEntry(t, s, id)
			return ok && e.Online
		}
	}
	offline := func(s *chat.Session, id string) func() bool {
		return func() bool {
			e, ok := rosterEntry(t, s, id)
			return ok && !e.Online
		}
	}

	require.Eventually(t, online(bob, "alice"), waitFor, tick)
	e, _ := rosterEntry(t, bob, "alice")
	assert.Greater(t, e.LastSeen, int64(0))

	// An unclean drop fires the armed offline patch server-side.
	st.DropConnection()
	require.Eventually(t, offline(bob, "alice"), waitFor, tick)

	// Reconnecting re-publishes presence and re-arms.
	st.Reconnect()
	require.Eventually(t, online(bob, "alice"), waitFor, tick)
	st.DropConnection()
	require.Eventually(t, offline(bob, "alice"), waitFor, tick,
		"each reconnect must arm the offline patch again")
}

func TestSignOut(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", nil, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")
	require.NoError(t, alice.Select("bob"))

	require.NoError(t, alice.SignOut())
	assert.Empty(t, alice.Roster())
	assert.Equal(t, "", alice.Selected())
	assert.Equal(t, identity.Profile{}, alice.Self())

	require.Eventually(t, func() bool {
		e, ok := rosterEntry(t, bob, "alice")
		return ok && !e.Online
	}, waitFor, tick, "sign-out must publish offline presence")

	require.NoError(t, alice.SignOut(), "repeat sign-out is a no-op")
}

func TestSignInFailure(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	s := chat.NewSession(st, identity.NewFailingStatic(errors.New("bad credentials")), nil, chat.Config{})
	defer s.Close()

	err := s.SignIn()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sign-in failed")
	assert.Equal(t, identity.Profile{}, s.Self())
}

func TestUpdateDisplayName(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	bobSink := &recordingSink{}
	alice := startSession(t, st, "alice", "Alice", nil, chat.Config{})
	bob := startSession(t, st, "bob", "Bob", bobSink, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")

	assert.Error(t, alice.UpdateDisplayName("   "))

	require.NoError(t, alice.UpdateDisplayName("Alicia"))
	require.Eventually(t, func() bool {
		e, ok := rosterEntry(t, bob, "alice")
		return ok && e.Name == "Alicia"
	}, waitFor, tick)

	// Alerts pick up the edited name.
	require.NoError(t, alice.Select("bob"))
	require.NoError(t, alice.Send("yo"))
	require.Eventually(t, func() bool {
		a, ok := bobSink.lastAlert()
		return ok && a.Title == "Alicia"
	}, waitFor, tick)
}

func TestClosedSessionReturnsErrClosed(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	s := chat.NewSession(st, identity.NewStatic(identity.Profile{ID: "alice"}), nil, chat.Config{})
	s.Close()
	assert.ErrorIs(t, s.SignIn(), chat.ErrClosed)
	assert.ErrorIs(t, s.Send("hi"), chat.ErrClosed)
}
