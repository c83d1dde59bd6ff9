package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := New[int](4)
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelA()
	defer cancelC()

	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-c)
	assert.Equal(t, 2, <-c)
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := New[int](1)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(1)
	b.Publish(2) // buffer full, dropped

	assert.Equal(t, 1, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestBroadcasterCancelAndClose(t *testing.T) {
	b := New[string](0)
	ch, cancel := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())

	other, _ := b.Subscribe()
	b.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
	b.Publish("ignored")
}
