package store

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	requestTimeout = 10 * time.Second
	reconnectMin   = time.Second
	reconnectMax   = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = (wsPongWait * 9) / 10
)

var ErrDisconnected = errors.New("store: gateway disconnected")

// WS is the client side of the gateway protocol: a Realtime store whose
// server half lives behind a websocket. It reconnects with backoff after an
// unclean drop, replaying live subscriptions and re-arming on-disconnect
// patches, and feeds the connectivity signal from the socket state.
type WS struct {
	url   string
	token string

	mu        sync.Mutex
	conn      *websocket.Conn
	seq       int64
	pending   map[int64]chan Frame
	subs      map[int64]*wsSub
	arms      map[string]Fields // doc path -> armed patch, replayed on reconnect
	connFns   map[int64]func(bool)
	connected bool
	closed    bool
}

type wsSub struct {
	path string
	pump *pumpSub
	errF ErrorFunc
}

// DialWS connects to a gateway. The jwt token authenticates the connection.
func DialWS(url, token string) (*WS, error) {
	w := &WS{
		url:     url,
		token:   token,
		pending: make(map[int64]chan Frame),
		subs:    make(map[int64]*wsSub),
		arms:    make(map[string]Fields),
		connFns: make(map[int64]func(bool)),
	}
	conn, err := w.dial()
	if err != nil {
		return nil, err
	}
	w.conn = conn
	w.connected = true
	go w.readLoop(conn)
	go w.pingLoop(conn)
	return w, nil
}

func (w *WS) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Add("Authorization", "Bearer "+w.token)
	conn, _, err := websocket.DefaultDialer.Dial(w.url, header)
	return conn, err
}

func (w *WS) Subscribe(collection string, fn SnapshotFunc, errFn ErrorFunc) (Subscription, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	w.seq++
	seq := w.seq
	sub := &wsSub{path: collection, pump: newPumpSub(fn), errF: errFn}
	w.subs[seq] = sub
	w.mu.Unlock()

	if _, err := w.request(Frame{Op: OpSubscribe, Seq: seq, Path: collection}); err != nil {
		w.mu.Lock()
		delete(w.subs, seq)
		w.mu.Unlock()
		sub.pump.stop()
		return nil, err
	}
	return subFunc(func() {
		w.mu.Lock()
		_, live := w.subs[seq]
		delete(w.subs, seq)
		w.mu.Unlock()
		sub.pump.stop()
		if live {
			w.send(Frame{Op: OpUnsubscribe, Seq: seq})
		}
	}), nil
}

func (w *WS) Write(collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = w.roundTrip(Frame{Op: OpWrite, Path: DocPath(collection, id), Doc: raw})
	return err
}

func (w *WS) Delete(collection, id string) error {
	_, err := w.roundTrip(Frame{Op: OpDelete, Path: DocPath(collection, id)})
	return err
}

func (w *WS) Update(patch Patch) error {
	_, err := w.roundTrip(Frame{Op: OpUpdate, Patch: patch})
	return err
}

func (w *WS) Push(collection string, doc any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	ack, err := w.roundTrip(Frame{Op: OpPush, Path: collection, Doc: raw})
	if err != nil {
		return "", err
	}
	return ack.Key, nil
}

func (w *WS) OnDisconnectArm(collection, id string, fields Fields) error {
	path := DocPath(collection, id)
	w.mu.Lock()
	w.arms[path] = fields
	w.mu.Unlock()
	_, err := w.roundTrip(Frame{Op: OpArm, Path: path, Fields: fields})
	return err
}

func (w *WS) Connectivity(fn func(bool)) (Subscription, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	w.seq++
	id := w.seq
	w.connFns[id] = fn
	state := w.connected
	w.mu.Unlock()
	go fn(state)
	return subFunc(func() {
		w.mu.Lock()
		delete(w.connFns, id)
		w.mu.Unlock()
	}), nil
}

func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	for _, sub := range w.subs {
		sub.pump.stop()
	}
	w.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		conn.Close()
	}
	return nil
}

// roundTrip sends a frame with a fresh seq and waits for its ack.
func (w *WS) roundTrip(f Frame) (Frame, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Frame{}, ErrClosed
	}
	w.seq++
	f.Seq = w.seq
	w.mu.Unlock()
	return w.request(f)
}

// request sends a frame carrying an assigned seq and waits for its ack.
func (w *WS) request(f Frame) (Frame, error) {
	ch := make(chan Frame, 1)
	w.mu.Lock()
	w.pending[f.Seq] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, f.Seq)
		w.mu.Unlock()
	}()

	if err := w.send(f); err != nil {
		return Frame{}, err
	}
	select {
	case resp := <-ch:
		if resp.Op == OpError {
			return Frame{}, errors.New(resp.Error)
		}
		return resp, nil
	case <-time.After(requestTimeout):
		return Frame{}, errors.New("store: gateway request timed out")
	}
}

func (w *WS) send(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil || !w.connected {
		return ErrDisconnected
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(f)
}

func (w *WS) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			w.dropped(conn, err)
			return
		}
		switch f.Op {
		case OpSnapshot:
			w.mu.Lock()
			sub := w.subs[f.Seq]
			w.mu.Unlock()
			if sub != nil {
				sub.pump.deliver(f.Docs)
			}
		case OpAck, OpError:
			w.mu.Lock()
			ch := w.pending[f.Seq]
			w.mu.Unlock()
			if ch != nil {
				ch <- f
			} else if f.Op == OpError {
				// Subscription delivery error, not a pending request.
				w.mu.Lock()
				sub := w.subs[f.Seq]
				w.mu.Unlock()
				if sub != nil && sub.errF != nil {
					sub.errF(errors.New(f.Error))
				}
			}
		}
	}
}

func (w *WS) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		w.mu.Lock()
		current := w.conn == conn && w.connected && !w.closed
		w.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}

// dropped handles an unclean connection loss: fail pending requests, flip
// the connectivity signal, then reconnect with backoff and replay state.
func (w *WS) dropped(conn *websocket.Conn, cause error) {
	conn.Close()
	w.mu.Lock()
	if w.closed || w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	w.connected = false
	for seq, ch := range w.pending {
		ch <- Frame{Op: OpError, Seq: seq, Error: ErrDisconnected.Error()}
	}
	fns := w.connFnsLocked()
	w.mu.Unlock()

	log.Printf("gateway connection lost: %v", cause)
	for _, fn := range fns {
		fn(false)
	}

	backoff := reconnectMin
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		time.Sleep(backoff)
		next, err := w.dial()
		if err != nil {
			log.Printf("gateway reconnect failed: %v", err)
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		w.mu.Lock()
		w.conn = next
		w.connected = true
		replay := make([]Frame, 0, len(w.subs)+len(w.arms))
		for seq, sub := range w.subs {
			replay = append(replay, Frame{Op: OpSubscribe, Seq: seq, Path: sub.path})
		}
		for path, fields := range w.arms {
			replay = append(replay, Frame{Op: OpArm, Path: path, Fields: fields})
		}
		fns := w.connFnsLocked()
		w.mu.Unlock()

		go w.readLoop(next)
		go w.pingLoop(next)
		for _, f := range replay {
			w.send(f)
		}
		for _, fn := range fns {
			fn(true)
		}
		return
	}
}

func (w *WS) connFnsLocked() []func(bool) {
	fns := make([]func(bool), 0, len(w.connFns))
	for _, fn := range w.connFns {
		fns = append(fns, fn)
	}
	return fns
}
