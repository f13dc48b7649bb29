package dedup

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func openTestStore(t *testing.T, opts Options) (*Store, *SQLite, *clock) {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "seen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	return New(db, opts), db, c
}

func TestTierEvictsOldestFirst(t *testing.T) {
	tr := newTier(3)
	for _, k := range []string{"a", "b", "c"} {
		assert.Equal(t, 0, tr.add(k))
	}
	assert.Equal(t, 1, tr.add("d"))
	assert.False(t, tr.has("a"))
	assert.Equal(t, []string{"b", "c", "d"}, tr.keys())

	assert.Equal(t, 0, tr.add("b"), "re-adding is a no-op")
	assert.Equal(t, 2, tr.trimTo(1))
	assert.Equal(t, []string{"d"}, tr.keys())
}

func TestRecordThenHas(t *testing.T) {
	s := New(nil, Options{})
	ctx := context.Background()

	assert.False(t, s.Has(ctx, "https://m/item/1"))
	require.NoError(t, s.Record(ctx, "https://m/item/1"))
	assert.True(t, s.Has(ctx, "https://m/item/1"))
	assert.True(t, s.Has(ctx, " https://m/item/1 "))

	require.NoError(t, s.Record(ctx, "https://m/item/1"))
	assert.Equal(t, 1, s.Stats(ctx).Global)
	assert.ErrorIs(t, s.Record(ctx, "  "), ErrEmptyURL)
}

func TestSessionTierBounded(t *testing.T) {
	s := New(nil, Options{MaxGlobal: 100, MaxSession: 5})
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Record(ctx, fmt.Sprintf("u%d", i)))
	}
	st := s.Stats(ctx)
	assert.Equal(t, 5, st.Session)
	assert.Equal(t, 8, st.Global)

	s.ResetSession()
	assert.Equal(t, 0, s.Stats(ctx).Session)
	assert.True(t, s.Has(ctx, "u0"), "global tier still remembers")
}

func TestHasFallsBackToDurableAfterTrim(t *testing.T) {
	s, _, _ := openTestStore(t, Options{MaxGlobal: 4, MaxSession: 2, RetainedTail: 2})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Record(ctx, fmt.Sprintf("u%d", i)))
	}
	s.ResetSession()

	_, err := s.FlushToDurable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Stats(ctx).Global)

	for i := 0; i < 6; i++ {
		assert.True(t, s.Has(ctx, fmt.Sprintf("u%d", i)), "u%d", i)
	}
	assert.False(t, s.Has(ctx, "never"))
}

func TestLoadRestoresAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db")
	ctx := context.Background()

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	s := New(db, Options{})
	require.NoError(t, s.RecordAll(ctx, []string{"a", "b", "c"}))
	require.NoError(t, s.Close(ctx))

	db2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer db2.Close()
	s2 := New(db2, Options{})
	n, err := s2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, s2.Has(ctx, "b"))
	assert.Equal(t, 0, s2.Stats(ctx).Session)
}

func TestRetentionSweep(t *testing.T) {
	s, db, c := openTestStore(t, Options{Retention: 24 * time.Hour})
	ctx := context.Background()
	start := c.now

	c.now = start.Add(-25 * time.Hour)
	require.NoError(t, s.RecordAll(ctx, []string{"old1", "old2", "old3"}))
	c.now = start.Add(-time.Hour)
	require.NoError(t, s.RecordAll(ctx, []string{"new1", "new2"}))
	c.now = start

	res, err := s.RetentionSweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Expired)
	assert.False(t, res.Compacted)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ok, err := db.Exists(ctx, "new1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.Exists(ctx, "old1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetentionSweepRemovesLegacyRowsInBatches(t *testing.T) {
	s, db, _ := openTestStore(t, Options{LegacyBatch: 2, CompactThreshold: 1})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, db.insertRaw(ctx, fmt.Sprintf("legacy%d", i), 0))
	}
	require.NoError(t, s.Record(ctx, "fresh"))

	res, err := s.RetentionSweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Legacy)
	assert.True(t, res.Compacted)

	res, err = s.RetentionSweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Legacy)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestClearGlobalKeepsSession(t *testing.T) {
	s, db, _ := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.RecordAll(ctx, []string{"a", "b"}))

	require.NoError(t, s.ClearGlobal(ctx))
	st := s.Stats(ctx)
	assert.Equal(t, 0, st.Global)
	assert.Equal(t, 2, st.Session)
	assert.EqualValues(t, 0, st.Durable)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteInsertKeepsFirstSeen(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "seen.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	t0 := time.Unix(1000, 0)
	n, err := db.Insert(ctx, []string{"a", "b"}, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = db.Insert(ctx, []string{"a", "c"}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// "a" keeps its original timestamp so it expires first.
	removed, err := db.DeleteBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	recent, err := db.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, recent)
}

func TestOpenDurableDrivers(t *testing.T) {
	ctx := context.Background()

	d, err := OpenDurable(ctx, "memory", "", "", 0)
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = OpenDurable(ctx, "postgres", "", "", 0)
	assert.Error(t, err)

	_, err = OpenDurable(ctx, "mongo", "", "", 0)
	assert.Error(t, err)

	d, err = OpenDurable(ctx, "sqlite", filepath.Join(t.TempDir(), "s.db"), "", 0)
	require.NoError(t, err)
	require.NoError(t, d.Close())
}
