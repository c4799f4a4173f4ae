package identity

import "errors"

// Static is a fixed-profile provider for tests and local runs against the
// in-memory store.
type Static struct {
	profile Profile
	failure error
	notifier
}

func NewStatic(p Profile) *Static {
	return &Static{profile: p}
}

// NewFailingStatic always rejects sign-in, for exercising auth failure paths.
func NewFailingStatic(err error) *Static {
	return &Static{failure: err}
}

func (s *Static) SignIn() (Profile, error) {
	if s.failure != nil {
		return Profile{}, s.failure
	}
	prof := s.profile
	s.notify(&prof)
	return prof, nil
}

func (s *Static) SignOut() error {
	s.notify(nil)
	return nil
}

func (s *Static) UpdateDisplayName(name string) error {
	if s.failure != nil {
		return errors.New("not signed in")
	}
	s.profile.DisplayName = name
	return nil
}

func (s *Static) OnAuthChange(fn func(*Profile)) func() {
	return s.register(fn)
}
