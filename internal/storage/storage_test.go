package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "statpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state", "statpulse.db")
			ctx := context.Background()

			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)

			now := time.Date(2026, 3, 7, 6, 0, 0, 0, time.UTC)
			require.NoError(t, st.PutSchedule(ctx, ScheduleRecord{Name: "quick-data-update", Job: "quick-update", Kind: "cron", Expr: "0 */2 * * *", UpdatedAt: now}))
			require.NoError(t, st.PutSchedule(ctx, ScheduleRecord{Name: "injury-updates", Job: "injury-update", Kind: "cron", Expr: "0 8 * * *", UpdatedAt: now}))
			require.NoError(t, st.PutSchedule(ctx, ScheduleRecord{Name: "injury-updates", Job: "injury-update", Kind: "cron", Expr: "0 8,14,20 * * *", Timezone: "Europe/London", UpdatedAt: now}))
			require.NoError(t, st.DeleteSchedule(ctx, "quick-data-update"))
			require.NoError(t, st.DeleteSchedule(ctx, "missing"))

			for i := 1; i <= 3; i++ {
				require.NoError(t, st.AppendRun(ctx, RunRecord{RunID: "r1", Job: "full-update", Attempt: i, Outcome: "retrying", Started: now.Add(time.Duration(i) * time.Minute), TookMS: 12}))
			}
			require.NoError(t, st.Close())

			// Reopen to check durability.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			scheds, err := st.ListSchedules(ctx)
			require.NoError(t, err)
			require.Len(t, scheds, 1)
			require.Equal(t, "injury-updates", scheds[0].Name)
			require.Equal(t, "0 8,14,20 * * *", scheds[0].Expr)
			require.Equal(t, "Europe/London", scheds[0].Timezone)

			runs, err := st.RecentRuns(ctx, 2)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			require.Equal(t, 2, runs[0].Attempt)
			require.Equal(t, 3, runs[1].Attempt)
			require.Equal(t, "full-update", runs[1].Job)
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statpulse.json")
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	for i := 0; i < compactEvery+5; i++ {
		require.NoError(t, st.PutSchedule(ctx, ScheduleRecord{Name: "full-data-update", Job: "full-update", Kind: "cron", Expr: "0 6,18 * * *"}))
	}
	require.NoError(t, st.PutSchedule(ctx, ScheduleRecord{Name: "weekend-predictions", Job: "weekend-predictions", Kind: "cron", Expr: "0 10 * * 6"}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	scheds, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, scheds, 2)
	require.Equal(t, "full-data-update", scheds[0].Name)
}
