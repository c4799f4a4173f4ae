// Package identity wraps sign-in and session identity. The chat core only
// sees the Provider interface; concrete providers talk to the API service
// or hold a fixed profile for tests and local runs.
package identity

import "sync"

// Profile is the authenticated participant's identity.
type Profile struct {
	ID          string
	DisplayName string
	Avatar      string
}

// Provider is the consumed identity capability.
type Provider interface {
	// SignIn authenticates and returns the local participant's profile.
	SignIn() (Profile, error)

	// SignOut ends the authenticated session.
	SignOut() error

	// UpdateDisplayName changes the profile display name.
	UpdateDisplayName(name string) error

	// OnAuthChange registers a callback invoked with the profile after
	// sign-in and with nil after sign-out. Returns an unregister func.
	OnAuthChange(fn func(*Profile)) func()
}

// notifier is the shared OnAuthChange bookkeeping for providers.
type notifier struct {
	mu   sync.Mutex
	fns  map[int]func(*Profile)
	next int
}

func (n *notifier) register(fn func(*Profile)) func() {
	n.mu.Lock()
	if n.fns == nil {
		n.fns = make(map[int]func(*Profile))
	}
	id := n.next
	n.next++
	n.fns[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.fns, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify(p *Profile) {
	n.mu.Lock()
	fns := make([]func(*Profile), 0, len(n.fns))
	for _, fn := range n.fns {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}
