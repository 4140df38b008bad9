package realtime

import "github.com/mahaj/commlayer/pkg/model"

type queued struct {
	env         model.Envelope
	attempts    int
	maxAttempts int
}

// outbox is a bounded FIFO. Pushing into a full outbox evicts the oldest
// entry.
type outbox struct {
	items    []queued
	capacity int
}

func newOutbox(capacity int) *outbox {
	return &outbox{capacity: capacity}
}

// push appends it and returns the evicted entry, if any.
func (o *outbox) push(it queued) (queued, bool) {
	var evicted queued
	var ok bool
	if len(o.items) >= o.capacity {
		evicted, ok = o.items[0], true
		o.items = o.items[1:]
	}
	o.items = append(o.items, it)
	return evicted, ok
}

// pushFront puts a retried entry back at the head. When the outbox is full
// the entry itself is the oldest and is handed back as evicted.
func (o *outbox) pushFront(it queued) (queued, bool) {
	if len(o.items) >= o.capacity {
		return it, true
	}
	o.items = append([]queued{it}, o.items...)
	return queued{}, false
}

func (o *outbox) pop() (queued, bool) {
	if len(o.items) == 0 {
		return queued{}, false
	}
	it := o.items[0]
	o.items[0] = queued{}
	o.items = o.items[1:]
	return it, true
}

func (o *outbox) len() int { return len(o.items) }

func (o *outbox) snapshot() []model.Envelope {
	out := make([]model.Envelope, len(o.items))
	for i, it := range o.items {
		out[i] = it.env
	}
	return out
}
