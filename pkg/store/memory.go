package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pixelyodha/miracle/pkg/pushid"
)

// Memory is an in-process Realtime store. It backs local development and the
// package tests; semantics (snapshot-replace, server timestamps, disconnect
// arming) match the networked backends.
type Memory struct {
	mu        sync.Mutex
	data      map[string]map[string]json.RawMessage // collection -> id -> doc
	subs      map[string]map[int]*pumpSub           // collection -> sub id -> sub
	connSubs  map[int]func(bool)
	arms      map[string]Fields // doc path -> armed patch
	ids       *pushid.Node
	nextSub   int
	connected bool
	closed    bool
}

func NewMemory() *Memory {
	node, _ := pushid.NewNode(0)
	return &Memory{
		data:      make(map[string]map[string]json.RawMessage),
		subs:      make(map[string]map[int]*pumpSub),
		connSubs:  make(map[int]func(bool)),
		arms:      make(map[string]Fields),
		ids:       node,
		connected: true,
	}
}

func (m *Memory) now() int64 { return time.Now().UnixMilli() }

func (m *Memory) Subscribe(collection string, fn SnapshotFunc, errFn ErrorFunc) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := newPumpSub(fn)
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[int]*pumpSub)
	}
	id := m.nextSub
	m.nextSub++
	m.subs[collection][id] = sub
	sub.onClose = func() {
		m.mu.Lock()
		delete(m.subs[collection], id)
		m.mu.Unlock()
	}
	sub.deliver(m.snapshotLocked(collection))
	return sub, nil
}

func (m *Memory) Write(collection, id string, doc any) error {
	raw, err := normalize(doc, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(collection, id, raw)
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) Delete(collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if col, ok := m.data[collection]; ok {
		if _, ok := col[id]; ok {
			delete(col, id)
			m.notifyLocked(collection)
		}
	}
	return nil
}

func (m *Memory) Update(patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.updateLocked(patch)
}

func (m *Memory) updateLocked(patch Patch) error {
	now := m.now()
	touched := make(map[string]bool)
	for path, fields := range patch {
		collection, id, err := SplitDoc(path)
		if err != nil {
			return err
		}
		var existing json.RawMessage
		if col, ok := m.data[collection]; ok {
			existing = col[id]
		}
		merged, err := mergeDoc(existing, resolveFields(fields, now))
		if err != nil {
			return err
		}
		m.setLocked(collection, id, merged)
		touched[collection] = true
	}
	for collection := range touched {
		m.notifyLocked(collection)
	}
	return nil
}

func (m *Memory) Push(collection string, doc any) (string, error) {
	raw, err := normalize(doc, m.now())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	id := m.ids.Generate()
	m.setLocked(collection, id, raw)
	m.notifyLocked(collection)
	return id, nil
}

func (m *Memory) OnDisconnectArm(collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.arms[DocPath(collection, id)] = fields
	return nil
}

func (m *Memory) Connectivity(fn func(bool)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	id := m.nextSub
	m.nextSub++
	m.connSubs[id] = fn
	state := m.connected
	go fn(state)
	return subFunc(func() {
		m.mu.Lock()
		delete(m.connSubs, id)
		m.mu.Unlock()
	}), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, col := range m.subs {
		for _, s := range col {
			s.stop()
		}
	}
	return nil
}

// DropConnection simulates an unclean connection loss: armed patches are
// applied by the "server side" and the connectivity signal flips. Arms are
// consumed; a reconnect must re-arm.
func (m *Memory) DropConnection() {
	m.mu.Lock()
	patch := make(Patch, len(m.arms))
	for path, fields := range m.arms {
		patch[path] = fields
	}
	m.arms = make(map[string]Fields)
	m.connected = false
	fns := m.connFnsLocked()
	m.updateLocked(patch)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(false)
	}
}

// Reconnect flips the connectivity signal back to connected.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	m.connected = true
	fns := m.connFnsLocked()
	m.mu.Unlock()
	for _, fn := range fns {
		fn(true)
	}
}

func (m *Memory) connFnsLocked() []func(bool) {
	fns := make([]func(bool), 0, len(m.connSubs))
	for _, fn := range m.connSubs {
		fns = append(fns, fn)
	}
	return fns
}

func (m *Memory) setLocked(collection, id string, raw json.RawMessage) {
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]json.RawMessage)
	}
	m.data[collection][id] = raw
}

func (m *Memory) snapshotLocked(collection string) Snapshot {
	snap := make(Snapshot, len(m.data[collection]))
	for id, raw := range m.data[collection] {
		snap[id] = raw
	}
	return snap
}

func (m *Memory) notifyLocked(collection string) {
	snap := m.snapshotLocked(collection)
	for _, s := range m.subs[collection] {
		s.deliver(snap)
	}
}

// pumpSub decouples delivery from the store lock. Pending snapshots coalesce
// to the latest; only the current collection value ever matters.
type pumpSub struct {
	fn      SnapshotFunc
	mu      sync.Mutex
	pending Snapshot
	kick    chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newPumpSub(fn SnapshotFunc) *pumpSub {
	s := &pumpSub{
		fn:   fn,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *pumpSub) deliver(snap Snapshot) {
	s.mu.Lock()
	s.pending = snap
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *pumpSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
			s.mu.Lock()
			snap := s.pending
			s.pending = nil
			s.mu.Unlock()
			if snap != nil {
				s.fn(snap)
			}
		}
	}
}

func (s *pumpSub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *pumpSub) Close() {
	s.stop()
	if s.onClose != nil {
		s.onClose()
	}
}

type subFunc func()

func (f subFunc) Close() { f() }
