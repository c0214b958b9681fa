package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testEvent string

func (e testEvent) EventType() string { return string(e) }

func TestBroadcasterForwardsToSinksAndSubscribers(t *testing.T) {
	rec := &Recorder{}
	b := NewBroadcaster(rec, nil)

	all, cancelAll := b.Subscribe(4, nil)
	defer cancelAll()
	onlyB, cancelB := b.Subscribe(4, func(evt Event) bool { return evt.EventType() == "b" })
	defer cancelB()

	b.Emit(testEvent("a"))
	b.Emit(testEvent("b"))

	require.Equal(t, []string{"a", "b"}, rec.Types())
	require.Equal(t, "a", (<-all).EventType())
	require.Equal(t, "b", (<-all).EventType())
	require.Equal(t, "b", (<-onlyB).EventType())
	require.Equal(t, 2, b.Subscribers())
}

func TestBroadcasterDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1, nil)

	b.Emit(testEvent("first"))
	b.Emit(testEvent("second"))

	require.Equal(t, uint64(1), b.Dropped())
	require.Equal(t, "first", (<-ch).EventType())

	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	require.Zero(t, b.Subscribers())
}

func TestEmitterFuncAndNoop(t *testing.T) {
	var got []string
	EmitterFunc(func(evt Event) { got = append(got, evt.EventType()) }).Emit(testEvent("x"))
	NoopEmitter{}.Emit(testEvent("y"))
	var nilFunc EmitterFunc
	nilFunc.Emit(testEvent("z"))
	require.Equal(t, []string{"x"}, got)
}
