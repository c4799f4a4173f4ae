// Package store defines the realtime backing-store contract the messaging
// client is written against, plus the concrete backends: an in-process store,
// a redis-backed store, and a websocket client for the gateway protocol.
//
// Delivery model is snapshot-replace: every change to a collection delivers
// the full current collection value to its subscribers, never an incremental
// diff. Replays are idempotent; subscribers replace local state wholesale.
package store

import (
	"encoding/json"
	"errors"
	"strings"
)

// ServerTimestamp is a placeholder timestamp value. Any top-level numeric
// field holding it is resolved against the store's own clock at commit time;
// clients never stamp documents locally. The store clock is the system's
// sole ordering authority.
const ServerTimestamp int64 = -1

// Snapshot is the full value of one collection: document JSON keyed by
// document id.
type Snapshot map[string]json.RawMessage

// SnapshotFunc receives the full collection value on every change.
type SnapshotFunc func(Snapshot)

// ErrorFunc receives subscription delivery errors. Delivery errors are
// non-fatal; the subscription itself reconnects per the backend's policy.
type ErrorFunc func(error)

// Fields is a partial document: field name to new value.
type Fields map[string]any

// Patch is an atomic multi-document field patch, keyed by "collection/id"
// document path.
type Patch map[string]Fields

// Subscription is a live feed handle. Close releases it; closing twice is
// harmless.
type Subscription interface {
	Close()
}

// Realtime is the consumed capability set of the backing store. Any backend
// with snapshot-replace delivery and a server-side clock qualifies.
type Realtime interface {
	// Subscribe opens a feed over one collection. The current snapshot is
	// delivered immediately, then again on every change.
	Subscribe(collection string, fn SnapshotFunc, errFn ErrorFunc) (Subscription, error)

	// Write stores a full document.
	Write(collection, id string, doc any) error

	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(collection, id string) error

	// Update applies an atomic multi-document field patch. Patched
	// documents are created when absent.
	Update(patch Patch) error

	// Push appends a document under a store-assigned id. Ids sort in
	// commit order within a collection.
	Push(collection string, doc any) (string, error)

	// OnDisconnectArm registers a field patch the store side applies if
	// this client's connection drops uncleanly. Arming is connection
	// scoped: every reconnect must re-arm.
	OnDisconnectArm(collection, id string, fields Fields) error

	// Connectivity subscribes to this client's connected/disconnected
	// signal. The current state is delivered immediately.
	Connectivity(fn func(bool)) (Subscription, error)

	Close() error
}

var ErrClosed = errors.New("store: closed")

// DocPath joins a collection and document id into a document path.
func DocPath(collection, id string) string {
	return collection + "/" + id
}

// SplitDoc splits a document path into collection and id. The id is the
// final path segment; everything before it is the collection.
func SplitDoc(path string) (collection, id string, err error) {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return "", "", errors.New("store: invalid document path " + path)
	}
	return path[:i], path[i+1:], nil
}

// normalize marshals a document and resolves ServerTimestamp placeholders in
// its top-level fields against the given clock reading.
func normalize(doc any, nowMillis int64) (json.RawMessage, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	changed := false
	for k, v := range m {
		if isServerTimestamp(v) {
			m[k] = nowMillis
			changed = true
		}
	}
	if !changed {
		return b, nil
	}
	return json.Marshal(m)
}

// resolveFields resolves ServerTimestamp placeholders in a field patch.
func resolveFields(f Fields, nowMillis int64) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if isServerTimestamp(v) {
			out[k] = nowMillis
		} else {
			out[k] = v
		}
	}
	return out
}

func isServerTimestamp(v any) bool {
	switch n := v.(type) {
	case int:
		return int64(n) == ServerTimestamp
	case int64:
		return n == ServerTimestamp
	case float64:
		return int64(n) == ServerTimestamp
	}
	return false
}

// mergeDoc applies a field patch on top of an existing document (which may
// be nil).
func mergeDoc(existing json.RawMessage, fields Fields) (json.RawMessage, error) {
	m := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &m); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		m[k] = v
	}
	return json.Marshal(m)
}
