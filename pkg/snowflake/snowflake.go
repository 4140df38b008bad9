// Package snowflake generates roughly time-ordered 64-bit ids. Entity ids
// (messages, calls, channels, notifications) sort by creation time when
// compared as ID values.
package snowflake

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// ID is a generated identifier.
type ID int64

// String renders the id in base 36, which keeps ids short in envelopes.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 36)
}

// Time returns the millisecond the id was generated in.
func (id ID) Time() time.Time {
	return time.UnixMilli((int64(id) >> timeShift) + epoch)
}

// Node returns the generator node encoded in the id.
func (id ID) Node() int64 {
	return (int64(id) >> nodeShift) & nodeMax
}

// ParseString is the inverse of ID.String.
func ParseString(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 36, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse snowflake %q", s)
	}
	return ID(v), nil
}

type Node struct {
	mu   sync.Mutex
	now  func() time.Time
	time int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.Errorf("node number must be between 0 and %d", nodeMax)
	}
	return &Node{node: node, now: time.Now}, nil
}

// Generate returns the next id. Within one millisecond up to 4096 ids are
// produced before waiting for the clock to advance.
func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UnixMilli()

	if now < n.time {
		// Clock moved backwards, keep issuing from the last seen millisecond.
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = n.now().UnixMilli()
				if now < n.time {
					now = n.time
					time.Sleep(time.Millisecond)
				}
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	return ID(((now - epoch) << timeShift) | (n.node << nodeShift) | n.step)
}

// NextString is Generate().String().
func (n *Node) NextString() string {
	return n.Generate().String()
}
