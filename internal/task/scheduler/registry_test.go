package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"statpulse/internal/storage"
	"statpulse/internal/task/job"
	"statpulse/internal/task/retry"
	logx "statpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	puts    []storage.ScheduleRecord
	deletes []string
	err     error
}

func (m *memStore) PutSchedule(_ context.Context, r storage.ScheduleRecord) error {
	if m.err != nil {
		return m.err
	}
	m.puts = append(m.puts, r)
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, name string) error {
	m.deletes = append(m.deletes, name)
	return nil
}

func noop(name string) *job.Job {
	return job.MustNew(name, retry.None(), func(context.Context) error { return nil })
}

func TestUpsertReplacesByName(t *testing.T) {
	st := &memStore{}
	reg := NewRegistry(logx.Nop(), WithStore(st))
	ctx := context.Background()

	first := noop("quick-update")
	second := noop("full-update")
	require.NoError(t, reg.Upsert(ctx, "quick-data-update", first, Cron("0 */2 * * *", "")))
	require.NoError(t, reg.Upsert(ctx, "quick-data-update", second, Cron("0 */3 * * *", "UTC")))

	list := reg.List()
	require.Len(t, list, 1)
	require.Same(t, second, list[0].Job)
	require.Equal(t, "0 */3 * * *", list[0].Trigger.Expr())
	require.EqualValues(t, 2, reg.Generation())

	require.Len(t, st.puts, 2)
	require.Equal(t, "full-update", st.puts[1].Job)
	require.Equal(t, "UTC", st.puts[1].Timezone)
}

func TestUpsertRejectsInvalidTriggerBeforePersisting(t *testing.T) {
	st := &memStore{}
	reg := NewRegistry(logx.Nop(), WithStore(st))

	err := reg.Upsert(context.Background(), "broken", noop("x"), Cron("every tuesday-ish", ""))
	require.ErrorIs(t, err, ErrInvalidTrigger)
	err = reg.Upsert(context.Background(), "broken", noop("x"), After(0))
	require.ErrorIs(t, err, ErrInvalidTrigger)

	require.Empty(t, reg.List())
	require.Empty(t, st.puts)
	require.Zero(t, reg.Generation())
}

func TestUpsertKeepsEntryWhenPersistFails(t *testing.T) {
	st := &memStore{err: errors.New("disk full")}
	reg := NewRegistry(logx.Nop(), WithStore(st))

	err := reg.Upsert(context.Background(), "injury-updates", noop("injury-update"), Cron("0 8,14,20 * * *", ""))
	require.Error(t, err)
	_, ok := reg.Get("injury-updates")
	require.True(t, ok)
}

func TestListIsSortedSnapshot(t *testing.T) {
	reg := NewRegistry(logx.Nop())
	ctx := context.Background()
	for _, name := range []string{"weekend-predictions", "full-data-update", "injury-updates"} {
		require.NoError(t, reg.Upsert(ctx, name, noop(name), Cron("@daily", "")))
	}
	list := reg.List()
	require.Equal(t, "full-data-update", list[0].Name)
	require.Equal(t, "weekend-predictions", list[2].Name)

	list[0].Name = "mutated"
	require.Equal(t, "full-data-update", reg.List()[0].Name)
}

func TestRemove(t *testing.T) {
	st := &memStore{}
	reg := NewRegistry(logx.Nop(), WithStore(st))
	ctx := context.Background()
	require.NoError(t, reg.Upsert(ctx, "transfer-news-updates", noop("transfer-update"), Cron("0 */4 * * *", "")))

	ok, err := reg.Remove(ctx, "transfer-news-updates")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = reg.Remove(ctx, "transfer-news-updates")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"transfer-news-updates"}, st.deletes)
}

func TestChangedIsCoalesced(t *testing.T) {
	reg := NewRegistry(logx.Nop())
	ctx := context.Background()
	require.NoError(t, reg.Upsert(ctx, "a", noop("a"), After(time.Minute)))
	require.NoError(t, reg.Upsert(ctx, "b", noop("b"), After(time.Minute)))

	select {
	case <-reg.Changed():
	default:
		t.Fatal("expected change signal")
	}
	select {
	case <-reg.Changed():
		t.Fatal("signals should coalesce")
	default:
	}
}
