package store

import "encoding/json"

// Frame is the gateway wire protocol unit. Clients send op frames; the
// gateway answers with acks, errors and snapshot pushes. Snapshot frames
// reuse the Seq of the subscribe frame that opened the feed.
type Frame struct {
	Op     string          `json:"op"`
	Seq    int64           `json:"seq,omitempty"`
	Path   string          `json:"path,omitempty"` // collection or document path
	Doc    json.RawMessage `json:"doc,omitempty"`
	Fields Fields          `json:"fields,omitempty"`
	Patch  Patch           `json:"patch,omitempty"`
	Docs   Snapshot        `json:"docs,omitempty"` // snapshot payload
	Key    string          `json:"key,omitempty"`  // push-assigned document id
	Error  string          `json:"error,omitempty"`
}

// Client ops.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpWrite       = "write"
	OpDelete      = "delete"
	OpUpdate      = "update"
	OpPush        = "push"
	OpArm         = "arm"
)

// Gateway ops.
const (
	OpSnapshot = "snapshot"
	OpAck      = "ack"
	OpError    = "error"
)
