package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	failures, unsubFail := b.Subscribe(4, JobFailed, JobSkipped)
	defer unsubFail()

	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobFailed, Data: "quick-update"})

	require.Len(t, all, 2)
	require.Len(t, failures, 1)
	e := <-failures
	require.Equal(t, JobFailed, e.Type)
	require.Equal(t, "quick-update", e.Data)
	require.False(t, e.Time.IsZero())
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobSucceeded})

	require.Len(t, ch, 1)
	require.Equal(t, JobStarted, (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: JobStarted})
}
