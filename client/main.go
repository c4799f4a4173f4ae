package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pixelyodha/miracle/pkg/chat"
	"github.com/pixelyodha/miracle/pkg/identity"
	"github.com/pixelyodha/miracle/pkg/model"
	"github.com/pixelyodha/miracle/pkg/store"
)

// terminalSink renders session events over the prompt line.
type terminalSink struct{}

func (t *terminalSink) RosterChanged(roster []chat.RosterEntry) {
	// Rendered on demand via /users; unread badges would spam a terminal.
}

func (t *terminalSink) ConversationChanged(partnerID string, msgs []model.Message) {
	if len(msgs) == 0 {
		return
	}
	m := msgs[len(msgs)-1]
	line := m.Text
	if m.MediaRef != "" {
		line = strings.TrimSpace(line + " [" + string(m.MediaKind) + "] " + truncate(m.MediaRef, 40))
	}
	if m.ReplyTo != nil {
		line = "(reply to " + truncate(m.ReplyTo.Text, 20) + ") " + line
	}
	fmt.Printf("\r%s: %s\n> ", m.From, line)
}

func (t *terminalSink) TypingChanged(partnerID string, typing bool) {
	if typing {
		fmt.Printf("\r%s is typing...      \n> ", partnerID)
	}
}

func (t *terminalSink) AlertShown(a chat.Alert) {
	fmt.Printf("\r🔔 %s: %s\n> ", a.Title, a.Preview)
}

func (t *terminalSink) AlertCleared() {}

func (t *terminalSink) Notice(msg string) {
	fmt.Printf("\r! %s\n> ", msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	displayName := flag.String("name", "", "display name")
	flag.Parse()

	// 1. Login to get token
	log.Printf("Logging in as %s...", *userID)
	provider := identity.NewAPIProvider(*apiAddr, *userID, *displayName)
	if _, err := provider.SignIn(); err != nil {
		log.Fatal("Login failed:", err)
	}
	token := provider.Token()
	log.Printf("Login successful. Token: %s...", token[:10])

	// 2. Connect to the gateway store with the token
	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	rt, err := store.DialWS(u.String(), token)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer rt.Close()

	// 3. Start the chat session
	session := chat.NewSession(rt, provider, &terminalSink{}, chat.Config{})
	defer session.Close()

	if err := session.SignIn(); err != nil {
		log.Fatal("sign-in:", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	done := make(chan struct{})

	// 4. Read from stdin and drive the session
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			switch {
			case text == "":
			case text == "/quit":
				return
			case text == "/users":
				for _, e := range session.Roster() {
					status := "offline"
					if e.Online {
						status = "online"
					}
					badge := ""
					if e.Unread > 0 {
						badge = fmt.Sprintf(" (%d unread)", e.Unread)
					}
					fmt.Printf("  %s  %s  %s%s\n", e.ID, e.Name, status, badge)
				}
			case strings.HasPrefix(text, "/open "):
				partner := strings.TrimSpace(strings.TrimPrefix(text, "/open "))
				if err := session.Select(partner); err != nil {
					fmt.Println("open:", err)
					break
				}
				for _, m := range session.Messages(partner) {
					seen := ""
					if m.From == session.Self().ID && m.Seen {
						seen = " ✓✓"
					}
					fmt.Printf("  [%s] %s: %s%s\n",
						time.UnixMilli(m.Timestamp).Format("15:04"), m.From, m.Text, seen)
				}
			case strings.HasPrefix(text, "/reply "):
				id := strings.TrimSpace(strings.TrimPrefix(text, "/reply "))
				session.Reply(id)
			case text == "/cancel":
				session.CancelReply()
			case text == "/typing":
				session.Typing()
			case strings.HasPrefix(text, "/name "):
				name := strings.TrimSpace(strings.TrimPrefix(text, "/name "))
				if err := session.UpdateDisplayName(name); err != nil {
					fmt.Println("name:", err)
				}
			default:
				session.Typing()
				if err := session.Send(text); err != nil {
					fmt.Println("send:", err)
				}
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		log.Println("interrupt")
	}

	if err := session.SignOut(); err != nil {
		log.Println("sign-out:", err)
	}
}
