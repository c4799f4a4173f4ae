package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// APIProvider signs in against the API service's /login endpoint and holds
// the issued token for the gateway dial.
type APIProvider struct {
	addr string
	user string
	name string

	mu      sync.Mutex
	token   string
	profile *Profile
	notifier
}

func NewAPIProvider(apiAddr, userID, displayName string) *APIProvider {
	return &APIProvider{addr: apiAddr, user: userID, name: displayName}
}

type loginRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type loginResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

func (p *APIProvider) SignIn() (Profile, error) {
	reqBody, _ := json.Marshal(loginRequest{UserID: p.user, DisplayName: p.name})
	resp, err := http.Post(p.addr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return Profile{}, fmt.Errorf("sign-in failed, is the API service reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Profile{}, fmt.Errorf("sign-in rejected: %s", string(body))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return Profile{}, err
	}

	prof := Profile{ID: lr.UserID, DisplayName: lr.DisplayName, Avatar: lr.Avatar}
	p.mu.Lock()
	p.token = lr.Token
	p.profile = &prof
	p.mu.Unlock()
	p.notify(&prof)
	return prof, nil
}

func (p *APIProvider) SignOut() error {
	p.mu.Lock()
	p.token = ""
	p.profile = nil
	p.mu.Unlock()
	p.notify(nil)
	return nil
}

func (p *APIProvider) UpdateDisplayName(name string) error {
	p.mu.Lock()
	if p.profile == nil {
		p.mu.Unlock()
		return errors.New("not signed in")
	}
	p.profile.DisplayName = name
	p.mu.Unlock()
	return nil
}

func (p *APIProvider) OnAuthChange(fn func(*Profile)) func() {
	return p.register(fn)
}

// Token returns the jwt issued at sign-in, empty when signed out.
func (p *APIProvider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}
