// Package chat implements the client-side conversation synchronization and
// presence model: roster mirroring with unread counts, per-pair append-only
// message logs, typing signals, seen reconciliation, reply linkage and
// transient alerts, all on top of a snapshot-replace realtime store.
//
// A Session owns every piece of client state and mutates it on one event
// loop; store callbacks, timers and public methods all funnel through it, so
// no client-side locking is involved. Sink callbacks run on that loop and
// must not call back into the Session synchronously.
package chat

import (
	"errors"
	"time"

	"github.com/pixelyodha/miracle/pkg/model"
)

const (
	defaultTypingIdle = 3 * time.Second
	defaultAlertTTL   = 4 * time.Second
)

var ErrClosed = errors.New("chat: session closed")

type Config struct {
	// TypingIdle is how long after the last input event the local typing
	// flag is cleared. Defaults to 3s.
	TypingIdle time.Duration

	// AlertTTL is how long a transient alert stays up before it
	// auto-dismisses. Defaults to 4s.
	AlertTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.TypingIdle <= 0 {
		c.TypingIdle = defaultTypingIdle
	}
	if c.AlertTTL <= 0 {
		c.AlertTTL = defaultAlertTTL
	}
	return c
}

// RosterEntry is one rendered roster row: a participant plus the unread
// count for the conversation with them.
type RosterEntry struct {
	model.Participant
	Unread int
}

// Alert is a transient incoming-message notification. At most one alert is
// visible at a time; a newer qualifying event replaces the current one.
type Alert struct {
	PartnerID string
	Title     string // sender display name
	Preview   string
}

// Sink receives rendering events from the session loop.
type Sink interface {
	RosterChanged(roster []RosterEntry)
	ConversationChanged(partnerID string, msgs []model.Message)
	TypingChanged(partnerID string, typing bool)
	AlertShown(a Alert)
	AlertCleared()

	// Notice surfaces a dismissible non-fatal failure.
	Notice(msg string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RosterChanged([]RosterEntry)                 {}
func (NopSink) ConversationChanged(string, []model.Message) {}
func (NopSink) TypingChanged(string, bool)                  {}
func (NopSink) AlertShown(Alert)                            {}
func (NopSink) AlertCleared()                               {}
func (NopSink) Notice(string)                               {}
