package chat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelyodha/miracle/pkg/chat"
	"github.com/pixelyodha/miracle/pkg/store"
)

// typingPair wires two sessions facing each other, with bob's conversation
// open so his sink observes alice's typing flag.
func typingPair(t *testing.T, st *store.Memory, aliceCfg chat.Config) (alice *chat.Session, bobSink *recordingSink) {
	t.Helper()
	bobSink = &recordingSink{}
	alice = startSession(t, st, "alice", "Alice", nil, aliceCfg)
	bob := startSession(t, st, "bob", "Bob", bobSink, chat.Config{})
	waitRoster(t, alice, "bob")
	waitRoster(t, bob, "alice")
	require.NoError(t, alice.Select("bob"))
	require.NoError(t, bob.Select("alice"))
	return alice, bobSink
}

func waitTyping(t *testing.T, sink *recordingSink, want bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := sink.lastTyping()
		return ok && got == want
	}, waitFor, tick, msg)
}

func TestTypingExpiresAfterIdle(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice, bobSink := typingPair(t, st, chat.Config{TypingIdle: 200 * time.Millisecond})

	require.NoError(t, alice.Typing())
	waitTyping(t, bobSink, true, "partner must see the typing flag")
	waitTyping(t, bobSink, false, "the flag must clear after the idle window")
}

func TestTypingKeystrokeResetsExpiry(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice, bobSink := typingPair(t, st, chat.Config{TypingIdle: 400 * time.Millisecond})

	require.NoError(t, alice.Typing())
	waitTyping(t, bobSink, true, "partner must see the typing flag")

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, alice.Typing())

	// Past the first deadline but well inside the restarted one.
	time.Sleep(250 * time.Millisecond)
	got, ok := bobSink.lastTyping()
	require.True(t, ok)
	assert.True(t, got, "a keystroke must restart the idle window")

	waitTyping(t, bobSink, false, "the flag must clear once input stops")
}

func TestStopTypingClearsImmediately(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice, bobSink := typingPair(t, st, chat.Config{TypingIdle: 5 * time.Second})

	require.NoError(t, alice.Typing())
	waitTyping(t, bobSink, true, "partner must see the typing flag")

	require.NoError(t, alice.StopTyping())
	waitTyping(t, bobSink, false, "losing focus must clear well before the idle window")
}

func TestSendClearsTyping(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice, bobSink := typingPair(t, st, chat.Config{TypingIdle: 5 * time.Second})

	require.NoError(t, alice.Typing())
	waitTyping(t, bobSink, true, "partner must see the typing flag")

	require.NoError(t, alice.Send("done"))
	waitTyping(t, bobSink, false, "a sent message must clear the typing flag")
}

func TestSwitchingConversationClearsTyping(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	alice, bobSink := typingPair(t, st, chat.Config{TypingIdle: 5 * time.Second})
	seedUser(t, st, "carol", "Carol")
	waitRoster(t, alice, "carol")

	require.NoError(t, alice.Typing())
	waitTyping(t, bobSink, true, "partner must see the typing flag")

	require.NoError(t, alice.Select("carol"))
	waitTyping(t, bobSink, false, "switching away must clear the typing flag")
}
