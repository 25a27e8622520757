package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamslan/fossibot/internal/infrastructure/database"
	"github.com/iamslan/fossibot/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	_, err = db.Migrate(context.Background(), migrations.FS)
	require.NoError(t, err)
	return NewSQLiteRepository(db.DB)
}

func word(v uint16) *uint16 { return &v }

func TestCreateAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &Entry{
		CorrelationID: "c-1",
		DeviceID:      "AA",
		Field:         "acOutput",
		Register:      word(26),
		RawValue:      word(1),
		Requested:     "true",
		Source:        "api",
		Outcome:       OutcomeAcknowledged,
		Latency:       420 * time.Millisecond,
		CreatedAt:     base,
	}
	require.NoError(t, repo.Create(ctx, first))
	assert.NotEmpty(t, first.ID)

	require.NoError(t, repo.Create(ctx, &Entry{
		DeviceID:  "AA",
		Field:     "bogus",
		Requested: "7",
		Source:    "cli",
		Outcome:   OutcomeRejected,
		Error:     "unknown field",
		CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, repo.Create(ctx, &Entry{
		DeviceID:  "BB",
		Field:     "dcOutput",
		Register:  word(25),
		RawValue:  word(0),
		Requested: "off",
		Source:    "api",
		Outcome:   OutcomeTimedOut,
		CreatedAt: base.Add(2 * time.Minute),
	}))

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, defaultLimit, all.Limit)
	require.Len(t, all.Entries, 3)
	assert.Equal(t, "BB", all.Entries[0].DeviceID, "newest first")

	aa, err := repo.List(ctx, Filter{DeviceID: "AA"})
	require.NoError(t, err)
	require.Equal(t, 2, aa.Total)

	got := aa.Entries[1]
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "c-1", got.CorrelationID)
	require.NotNil(t, got.Register)
	assert.Equal(t, uint16(26), *got.Register)
	require.NotNil(t, got.RawValue)
	assert.Equal(t, uint16(1), *got.RawValue)
	assert.Equal(t, 420*time.Millisecond, got.Latency)
	assert.True(t, base.Equal(got.CreatedAt))

	rejected := aa.Entries[0]
	assert.Nil(t, rejected.Register)
	assert.Nil(t, rejected.RawValue)
	assert.Equal(t, "unknown field", rejected.Error)

	timedOut, err := repo.List(ctx, Filter{Outcome: OutcomeTimedOut})
	require.NoError(t, err)
	require.Len(t, timedOut.Entries, 1)
	assert.Equal(t, "BB", timedOut.Entries[0].DeviceID)
}

func TestList_Pagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, repo.Create(ctx, &Entry{
			DeviceID:  "AA",
			Field:     "acOutput",
			Requested: "1",
			Source:    "api",
			Outcome:   OutcomeAcknowledged,
			CreatedAt: time.Unix(int64(1700000000+i), 0),
		}))
	}

	page, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 2, page.Offset)

	capped, err := repo.List(ctx, Filter{Limit: 10000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, capped.Limit)
	assert.Equal(t, 0, capped.Offset)
}
