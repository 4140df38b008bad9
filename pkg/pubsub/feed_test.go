package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeedOrderAndUnsubscribe(t *testing.T) {
	var f Feed[int]
	var got []string

	unsubA := f.Subscribe(func(v int) { got = append(got, "a") })
	f.Subscribe(func(v int) { got = append(got, "b") })
	assert.Equal(t, 2, f.Len())

	f.Publish(1)
	assert.Equal(t, []string{"a", "b"}, got)

	unsubA()
	unsubA()
	f.Publish(2)
	assert.Equal(t, []string{"a", "b", "b"}, got)
	assert.Equal(t, 1, f.Len())
}

func TestFeedUnsubscribeDuringPublish(t *testing.T) {
	var f Feed[string]
	calls := 0
	var unsub func()
	unsub = f.Subscribe(func(string) {
		calls++
		unsub()
	})
	f.Publish("x")
	f.Publish("y")
	assert.Equal(t, 1, calls)
}

func TestFeedChanDropsWhenFull(t *testing.T) {
	var f Feed[int]
	ch, unsub := f.Chan(2)
	defer unsub()
	f.Publish(1)
	f.Publish(2)
	f.Publish(3)
	assert.Equal(t, 1, <-ch)
	assert.Equal(t, 2, <-ch)
	assert.Len(t, ch, 0)
}
