package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	Publish(b, TypePlanApplied, 3)

	ev := <-a
	assert.Equal(t, TypePlanApplied, ev.Type)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, 3, (<-c).Data)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})

	require.Len(t, ch, 1)
	assert.EqualValues(t, 1, Dropped(b))
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}

func TestPublishNilBus(t *testing.T) {
	Publish(nil, TypeAppEvent, nil)
}
