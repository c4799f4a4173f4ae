package pushid

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC

	// base32hex: lexicographic order of encoded ids matches numeric order.
	alphabet = "0123456789abcdefghijklmnopqrstuv"
	idLen    = 13 // ceil(64 / 5)
)

// Node generates push ids: 13-character strings that sort in generation
// order, so a collection keyed by push id reads back chronologically.
// The underlying value packs milliseconds since epoch, a node id and a
// per-millisecond step counter.
type Node struct {
	mu   sync.Mutex
	time int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.New("node number must be between 0 and 1023")
	}
	return &Node{node: node}, nil
}

// Generate returns the next push id.
func (n *Node) Generate() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < n.time {
		// Clock moved backwards, refuse to go back in time
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	raw := uint64(((now - epoch) << timeShift) | (n.node << nodeShift) | n.step)
	return encode(raw)
}

func encode(v uint64) string {
	var b [idLen]byte
	for i := idLen - 1; i >= 0; i-- {
		b[i] = alphabet[v&0x1f]
		v >>= 5
	}
	return string(b[:])
}
