package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"github.com/pixelyodha/miracle/pkg/auth"
	"github.com/pixelyodha/miracle/pkg/model"
	"github.com/pixelyodha/miracle/pkg/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Gateway holds the shared backends every client connection works against.
type Gateway struct {
	store    *store.Redis
	producer *kafka.Writer
}

// Client is one websocket connection speaking the store frame protocol on
// behalf of an authenticated user.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn

	// Connection ID for log correlation.
	ID string

	// Authenticated user id; access checks run against it.
	UserID string

	send chan store.Frame

	mu     sync.Mutex
	subs   map[int64]store.Subscription
	arms   store.Patch // applied if this connection drops uncleanly
	closed bool
}

// readPump decodes frames from the websocket and executes them.
func (c *Client) readPump() {
	defer func() {
		c.teardown()
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var f store.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("conn %s read error: %v", c.ID, err)
			}
			break
		}
		if err := c.handle(f); err != nil {
			c.reply(store.Frame{Op: store.OpError, Seq: f.Seq, Error: err.Error()})
		}
	}
}

func (c *Client) handle(f store.Frame) error {
	switch f.Op {
	case store.OpSubscribe:
		return c.subscribe(f)
	case store.OpUnsubscribe:
		c.mu.Lock()
		sub := c.subs[f.Seq]
		delete(c.subs, f.Seq)
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return nil
	case store.OpWrite:
		collection, id, err := c.checkDoc(f.Path)
		if err != nil {
			return err
		}
		if err := c.gw.store.Write(collection, id, json.RawMessage(f.Doc)); err != nil {
			return err
		}
		c.reply(store.Frame{Op: store.OpAck, Seq: f.Seq})
		return nil
	case store.OpDelete:
		collection, id, err := c.checkDoc(f.Path)
		if err != nil {
			return err
		}
		if err := c.gw.store.Delete(collection, id); err != nil {
			return err
		}
		c.reply(store.Frame{Op: store.OpAck, Seq: f.Seq})
		return nil
	case store.OpUpdate:
		for path := range f.Patch {
			if _, _, err := c.checkDoc(path); err != nil {
				return err
			}
		}
		if err := c.gw.store.Update(f.Patch); err != nil {
			return err
		}
		c.reply(store.Frame{Op: store.OpAck, Seq: f.Seq})
		return nil
	case store.OpPush:
		return c.push(f)
	case store.OpArm:
		if _, _, err := c.checkDoc(f.Path); err != nil {
			return err
		}
		c.mu.Lock()
		c.arms[f.Path] = f.Fields
		c.mu.Unlock()
		c.reply(store.Frame{Op: store.OpAck, Seq: f.Seq})
		return nil
	default:
		return errors.New("unknown op " + f.Op)
	}
}

func (c *Client) subscribe(f store.Frame) error {
	if err := c.checkAccess(f.Path); err != nil {
		return err
	}
	seq := f.Seq
	sub, err := c.gw.store.Subscribe(f.Path,
		func(snap store.Snapshot) {
			c.reply(store.Frame{Op: store.OpSnapshot, Seq: seq, Docs: snap})
		},
		func(err error) {
			c.reply(store.Frame{Op: store.OpError, Seq: seq, Error: err.Error()})
		},
	)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if old := c.subs[seq]; old != nil {
		old.Close()
	}
	c.subs[seq] = sub
	c.mu.Unlock()
	c.reply(store.Frame{Op: store.OpAck, Seq: seq})
	return nil
}

func (c *Client) push(f store.Frame) error {
	if err := c.checkAccess(f.Path); err != nil {
		return err
	}
	id, committed, err := c.gw.store.PushDoc(f.Path, json.RawMessage(f.Doc))
	if err != nil {
		return err
	}
	c.reply(store.Frame{Op: store.OpAck, Seq: f.Seq, Key: id})

	// Committed messages also feed the archive firehose.
	if convID, ok := strings.CutPrefix(f.Path, "messages/"); ok {
		var msg model.Message
		if err := json.Unmarshal(committed, &msg); err != nil {
			log.Printf("conn %s pushed unparseable message to %s: %v", c.ID, f.Path, err)
			return nil
		}
		entry, err := json.Marshal(model.ArchiveEntry{
			ConversationID: convID,
			MessageID:      id,
			Message:        msg,
		})
		if err != nil {
			return nil
		}
		if err := c.gw.producer.WriteMessages(context.Background(),
			kafka.Message{Value: entry, Time: time.Now()},
		); err != nil {
			log.Printf("Failed to write message to Kafka: %v", err)
		}
	}
	return nil
}

// checkAccess validates that the authenticated user may touch a collection:
// the shared users directory, or a conversation-scoped collection whose
// canonical pair id names the user.
func (c *Client) checkAccess(path string) error {
	if path == "users" {
		return nil
	}
	rest, ok := strings.CutPrefix(path, "messages/")
	if !ok {
		rest, ok = strings.CutPrefix(path, "typing/")
	}
	if ok {
		convID := rest
		if i := strings.IndexByte(convID, '/'); i >= 0 {
			convID = convID[:i]
		}
		parts := strings.SplitN(convID, "_", 2)
		if len(parts) == 2 && (parts[0] == c.UserID || parts[1] == c.UserID) {
			return nil
		}
		return errors.New("not a participant of " + convID)
	}
	return errors.New("forbidden path " + path)
}

func (c *Client) checkDoc(path string) (collection, id string, err error) {
	collection, id, err = store.SplitDoc(path)
	if err != nil {
		return "", "", err
	}
	// Writes to the users directory may only touch the caller's own record.
	if collection == "users" {
		if id != c.UserID {
			return "", "", errors.New("cannot write another user's record")
		}
		return collection, id, nil
	}
	if err := c.checkAccess(collection); err != nil {
		return "", "", err
	}
	return collection, id, nil
}

func (c *Client) reply(f store.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
		// Slow consumer; drop the connection rather than block the store.
		c.conn.Close()
	}
}

// teardown releases subscriptions and applies the armed disconnect patch.
func (c *Client) teardown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = map[int64]store.Subscription{}
	arms := c.arms
	c.arms = store.Patch{}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if len(arms) > 0 {
		if err := c.gw.store.ApplyPatch(arms); err != nil {
			log.Printf("conn %s: failed to apply disconnect patch: %v", c.ID, err)
		}
	}
	close(c.send)
	log.Printf("Client disconnected: %s (user %s)", c.ID, c.UserID)
}

// writePump pumps frames from the gateway to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs handles websocket requests from the peer.
func serveWs(gw *Gateway, w http.ResponseWriter, r *http.Request) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		// Try query param as fallback (standard for some WS clients)
		tokenString = r.URL.Query().Get("token")
	}

	if tokenString == "" {
		log.Println("Unauthorized: No token provided")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Remove "Bearer " prefix if present
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	claims, err := auth.ValidateToken(tokenString)
	if err != nil {
		log.Printf("Unauthorized: Invalid token: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &Client{
		gw:     gw,
		conn:   conn,
		ID:     uuid.NewString(),
		UserID: claims.UserID,
		send:   make(chan store.Frame, 256),
		subs:   make(map[int64]store.Subscription),
		arms:   store.Patch{},
	}
	log.Printf("Client connected: %s (user %s)", client.ID, client.UserID)

	go client.writePump()
	go client.readPump()
}
