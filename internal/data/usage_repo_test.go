package data

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"
	"transcription-service/internal/data/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageRepo_RecordOriginal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOwner(t, "owner-1", "FREE", biz.CurrentPeriodCounters{})
	env.addSession(t, "s-1", "owner-1", biz.SessionStatusProcessing, biz.JobKindOriginal)

	entry := newUsageEntry("s-1", "owner-1", biz.TranscriptionTypeOriginal, 5.5, testNow)
	_, err := env.usage.RecordCompletion(ctx, &biz.Completion{
		Entry:           entry,
		DurationSeconds: 330,
		Segments: []biz.TranscriptSegment{
			{StartSec: 0, EndSec: 3.5, Text: "how was your week", Speaker: "1"},
			{StartSec: 3.5, EndSec: 6, Text: "busy", Speaker: "2"},
		},
		Now: testNow,
	})
	require.NoError(t, err)

	s, err := env.sessions.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, biz.SessionStatusCompleted, s.Status)
	assert.Equal(t, biz.JobKindNone, s.ActiveJob)
	require.NotNil(t, s.DurationSeconds)
	assert.InDelta(t, 330, *s.DurationSeconds, 1e-6)

	segments, err := env.sessions.GetTranscript(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 1, segments[1].Seq)
	assert.Equal(t, "busy", segments[1].Text)

	counters := env.owner(t, "owner-1").Counters
	assert.Equal(t, int64(1), counters.SessionCount)
	assert.Equal(t, int64(1), counters.TranscriptionCount)
	assert.InDelta(t, 5.5, counters.UsageMinutes, 1e-6)

	agg, err := env.usage.GetAggregate(ctx, "owner-1", "2024-07")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, int64(1), agg.SessionsCreated)
	assert.Equal(t, int64(1), agg.OriginalCount)
	assert.InDelta(t, 5.5, agg.TotalMinutes, 1e-6)
	require.Contains(t, agg.Providers, biz.ProviderGoogleSTT)
	assert.Equal(t, int64(1), agg.Providers[biz.ProviderGoogleSTT].Count)

	first, err := env.usage.GetFirstEntry(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, entry.ID, first.ID)
	assert.Equal(t, "FREE", first.PlanSnapshot.Tier)
	assert.Equal(t, int64(10), first.PlanSnapshot.Limits.MaxSessions)

	none, err := env.usage.GetLatestEntry(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUsageRepo_RetryReplacesTranscriptWithoutBilling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOwner(t, "owner-1", "FREE", biz.CurrentPeriodCounters{SessionCount: 3, UsageMinutes: 30, TranscriptionCount: 3})
	env.addSession(t, "s-1", "owner-1", biz.SessionStatusProcessing, biz.JobKindRetry)

	entry := newUsageEntry("s-1", "owner-1", biz.TranscriptionTypeRetryFailed, 4, testNow)
	_, err := env.usage.RecordCompletion(ctx, &biz.Completion{
		Entry:              entry,
		ManualRoleRequired: true,
		Segments:           []biz.TranscriptSegment{{Text: "only segment"}},
		Now:                testNow,
	})
	require.NoError(t, err)

	counters := env.owner(t, "owner-1").Counters
	assert.Equal(t, int64(3), counters.SessionCount)
	assert.Equal(t, int64(3), counters.TranscriptionCount)
	assert.InDelta(t, 30, counters.UsageMinutes, 1e-6)

	agg, err := env.usage.GetAggregate(ctx, "owner-1", "2024-07")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TranscriptionsCompleted)
	assert.Equal(t, int64(1), agg.RetryFailedCount)
	assert.Zero(t, agg.SessionsCreated)
	assert.InDelta(t, 4, agg.FreeRetryMinutes, 1e-6)
	assert.Zero(t, agg.TotalMinutes)

	s, err := env.sessions.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, s.ManualRoleRequired)
}

func TestUsageRepo_MonthBoundaryResetsCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	july := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	env.addOwner(t, "owner-1", "PRO", biz.CurrentPeriodCounters{
		SessionCount:       8,
		UsageMinutes:       100,
		TranscriptionCount: 9,
		PeriodStart:        july,
	})
	require.NoError(t, env.data.db.Create(&model.MonthlyUsage{
		OwnerID: "owner-1", Month: "2024-07", SessionsCreated: 8, TranscriptionsCompleted: 9, TotalMinutes: 100,
	}).Error)

	now := time.Date(2024, time.August, 1, 0, 0, 30, 0, time.UTC)
	env.clock.Set(now)
	env.addSession(t, "s-aug", "owner-1", biz.SessionStatusProcessing, biz.JobKindOriginal)

	_, err := env.usage.RecordCompletion(ctx, &biz.Completion{
		Entry: newUsageEntry("s-aug", "owner-1", biz.TranscriptionTypeOriginal, 10, now),
		Now:   now,
	})
	require.NoError(t, err)

	counters := env.owner(t, "owner-1").Counters
	assert.Equal(t, int64(1), counters.SessionCount)
	assert.Equal(t, int64(1), counters.TranscriptionCount)
	assert.InDelta(t, 10, counters.UsageMinutes, 1e-6)
	assert.True(t, counters.PeriodStart.Equal(time.Date(2024, time.August, 1, 0, 0, 0, 0, time.UTC)))

	aug, err := env.usage.GetAggregate(ctx, "owner-1", "2024-08")
	require.NoError(t, err)
	require.NotNil(t, aug)
	assert.InDelta(t, 10, aug.TotalMinutes, 1e-6)

	jul, err := env.usage.GetAggregate(ctx, "owner-1", "2024-07")
	require.NoError(t, err)
	assert.InDelta(t, 100, jul.TotalMinutes, 1e-6)
	assert.Equal(t, int64(9), jul.TranscriptionsCompleted)

	history, err := env.usage.ListAggregates(ctx, "owner-1", "2024-01", "2024-12")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2024-07", history[0].Month)
	assert.Equal(t, "2024-08", history[1].Month)
}

func TestUsageRepo_DiscardsCompletionForDeletedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOwner(t, "owner-1", "FREE", biz.CurrentPeriodCounters{})
	env.addSession(t, "deleted", "owner-1", biz.SessionStatusProcessing, biz.JobKindOriginal)
	env.addSession(t, "completed", "owner-1", biz.SessionStatusCompleted, biz.JobKindNone)
	require.NoError(t, env.sessions.SoftDeleteSession(ctx, "deleted"))

	for _, id := range []string{"deleted", "completed", "missing"} {
		_, err := env.usage.RecordCompletion(ctx, &biz.Completion{
			Entry: newUsageEntry(id, "owner-1", biz.TranscriptionTypeOriginal, 5, testNow),
			Now:   testNow,
		})
		assert.ErrorIs(t, err, biz.ErrSessionGone, id)
	}

	assert.Zero(t, env.count(t, &model.UsageLog{}, "owner_id = ?", "owner-1"))
	assert.Zero(t, env.count(t, &model.MonthlyUsage{}, "owner_id = ?", "owner-1"))
	assert.Equal(t, int64(0), env.owner(t, "owner-1").Counters.SessionCount)
}

func TestUsageRepo_MissingOwnerRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addSession(t, "s-1", "ghost", biz.SessionStatusProcessing, biz.JobKindOriginal)

	_, err := env.usage.RecordCompletion(ctx, &biz.Completion{
		Entry: newUsageEntry("s-1", "ghost", biz.TranscriptionTypeOriginal, 5, testNow),
		Now:   testNow,
	})
	var integrity *biz.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "owner", integrity.Entity)

	assert.Zero(t, env.count(t, &model.UsageLog{}, "session_id = ?", "s-1"))
	s, err := env.sessions.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, biz.SessionStatusProcessing, s.Status)
}

func TestUsageRepo_RejectsInvalidEntry(t *testing.T) {
	env := newTestEnv(t)
	entry := newUsageEntry("s-1", "owner-1", biz.TranscriptionTypeRetryFailed, 5, testNow)
	entry.IsBillable = true

	_, err := env.usage.RecordCompletion(context.Background(), &biz.Completion{Entry: entry, Now: testNow})
	require.Error(t, err)
	assert.Zero(t, env.count(t, &model.UsageLog{}, "1 = 1"))
}

func TestUsageRepo_ConcurrentCompletions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOwner(t, "owner-1", "ENTERPRISE", biz.CurrentPeriodCounters{})

	const n = 10
	for i := 0; i < n; i++ {
		env.addSession(t, fmt.Sprintf("s-%d", i), "owner-1", biz.SessionStatusProcessing, biz.JobKindOriginal)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.usage.RecordCompletion(ctx, &biz.Completion{
				Entry: newUsageEntry(fmt.Sprintf("s-%d", i), "owner-1", biz.TranscriptionTypeOriginal, 1.5, testNow),
				Now:   testNow,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	counters := env.owner(t, "owner-1").Counters
	assert.Equal(t, int64(n), counters.SessionCount)
	assert.InDelta(t, 15, counters.UsageMinutes, 1e-6)

	agg, err := env.usage.GetAggregate(ctx, "owner-1", "2024-07")
	require.NoError(t, err)
	assert.Equal(t, int64(n), agg.OriginalCount)
	assert.InDelta(t, 15, agg.TotalMinutes, 1e-6)

	ledger, err := env.usage.SumBillableMinutes(ctx, "owner-1", "2024-07")
	require.NoError(t, err)
	assert.InDelta(t, agg.TotalMinutes, ledger, 1e-6)
}

func TestUsageRepo_ListEntriesAndTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOwner(t, "owner-1", "PRO", biz.CurrentPeriodCounters{})

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s-%d", i)
		env.addSession(t, id, "owner-1", biz.SessionStatusProcessing, biz.JobKindOriginal)
		at := testNow.Add(time.Duration(i) * time.Minute)
		_, err := env.usage.RecordCompletion(ctx, &biz.Completion{
			Entry: newUsageEntry(id, "owner-1", biz.TranscriptionTypeOriginal, 2, at),
			Now:   at,
		})
		require.NoError(t, err)
	}

	entries, total, err := env.usage.ListEntries(ctx, "owner-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, entries, 2)
	assert.Equal(t, "s-2", entries[0].SessionID)

	entries, _, err = env.usage.ListEntries(ctx, "owner-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s-0", entries[0].SessionID)

	totals, err := env.usage.GetLifetimeTotals(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals.Transcriptions)
	assert.InDelta(t, 6, totals.Minutes, 1e-6)
	assert.InDelta(t, 0.06, totals.Cost, 1e-6)

	empty, err := env.usage.GetLifetimeTotals(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Transcriptions)
}

func TestUsageUseCase_ReconcileAgainstLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOwner(t, "owner-1", "PRO", biz.CurrentPeriodCounters{})
	env.addOwner(t, "owner-2", "PRO", biz.CurrentPeriodCounters{})
	env.addSession(t, "s-1", "owner-1", biz.SessionStatusProcessing, biz.JobKindOriginal)
	env.addSession(t, "s-2", "owner-1", biz.SessionStatusProcessing, biz.JobKindRetry)

	uc := biz.NewUsageUseCase(env.usage, env.owners, biz.NewPlanCatalog(&conf.Bootstrap{}), env.clock, testLogger)
	_, err := uc.Record(ctx, &biz.Completion{Entry: newUsageEntry("s-1", "owner-1", biz.TranscriptionTypeOriginal, 7.25, testNow)})
	require.NoError(t, err)
	_, err = uc.Record(ctx, &biz.Completion{Entry: newUsageEntry("s-2", "owner-1", biz.TranscriptionTypeRetryFailed, 3, testNow)})
	require.NoError(t, err)

	mismatches, err := uc.Reconcile(ctx, "2024-07")
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	require.NoError(t, env.data.db.Model(&model.MonthlyUsage{}).
		Where("owner_id = ? AND month = ?", "owner-1", "2024-07").
		Update("total_minutes", 9).Error)

	mismatches, err = uc.Reconcile(ctx, "2024-07")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "owner-1", mismatches[0].OwnerID)
	assert.InDelta(t, 7.25, mismatches[0].LedgerMinutes, 1e-6)
}

func TestUsageRepo_SumBillableMinutesByMonthRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOwner(t, "owner-1", "PRO", biz.CurrentPeriodCounters{})
	env.addOwner(t, "owner-2", "PRO", biz.CurrentPeriodCounters{})
	july := time.Date(2024, time.July, 31, 23, 59, 59, 0, time.UTC)
	august := time.Date(2024, time.August, 1, 0, 0, 0, 0, time.UTC)
	for i, entry := range []*biz.UsageLogEntry{
		newUsageEntry("s-1", "owner-1", biz.TranscriptionTypeOriginal, 4, time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)),
		newUsageEntry("s-2", "owner-1", biz.TranscriptionTypeOriginal, 1.5, july),
		newUsageEntry("s-2", "owner-1", biz.TranscriptionTypeRetryFailed, 1.5, july),
		newUsageEntry("s-3", "owner-1", biz.TranscriptionTypeOriginal, 7, august),
		newUsageEntry("s-9", "owner-2", biz.TranscriptionTypeOriginal, 9, july),
	} {
		env.addSession(t, fmt.Sprintf("%s-%d", entry.SessionID, i), entry.OwnerID, biz.SessionStatusProcessing, biz.JobKindOriginal)
		entry.SessionID = fmt.Sprintf("%s-%d", entry.SessionID, i)
		_, err := env.usage.RecordCompletion(ctx, &biz.Completion{Entry: entry, Now: entry.CreatedAt})
		require.NoError(t, err)
	}

	sum, err := env.usage.SumBillableMinutes(ctx, "owner-1", "2024-07")
	require.NoError(t, err)
	assert.InDelta(t, 5.5, sum, 1e-6)

	sum, err = env.usage.SumBillableMinutes(ctx, "owner-1", "2024-08")
	require.NoError(t, err)
	assert.InDelta(t, 7, sum, 1e-6)

	sum, err = env.usage.SumBillableMinutes(ctx, "owner-1", "2024-09")
	require.NoError(t, err)
	assert.Zero(t, sum)

	_, err = env.usage.SumBillableMinutes(ctx, "owner-1", "July")
	var invalid *biz.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "month", invalid.Field)
}
