package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/pkg/schema"
)

func mk(id string, status schema.ItemStatus, amt int64) schema.Item {
	return schema.Item{ID: schema.ItemID(id), Status: status, Amount: decimal.NewFromInt(amt)}
}

func ids(items []schema.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it.ID)
	}
	return out
}

func TestUpsertInsertsMatchingUnknownItemAtEnd(t *testing.T) {
	items := []schema.Item{mk("1", schema.ItemStatusPending, 10)}
	pending := filter.Set{Status: schema.ItemStatusPending}

	out, change := Upsert(items, mk("9", schema.ItemStatusPending, 5), pending)
	assert.Equal(t, ChangeInserted, change)
	assert.Equal(t, []string{"1", "9"}, ids(out))
	assert.Len(t, items, 1, "input must not be modified")
}

func TestUpsertIgnoresNonMatchingUnknownItem(t *testing.T) {
	items := []schema.Item{mk("1", schema.ItemStatusPending, 10)}
	out, change := Upsert(items, mk("2", schema.ItemStatusSuccess, 20), filter.Set{Status: schema.ItemStatusPending})
	assert.Equal(t, ChangeIgnored, change)
	assert.Equal(t, []string{"1"}, ids(out))
}

func TestUpsertScenarioItemStartsMatching(t *testing.T) {
	s := New()
	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 10), mk("2", schema.ItemStatusSuccess, 20)})
	pending := filter.Set{Status: schema.ItemStatusPending}

	change := s.Upsert(mk("2", schema.ItemStatusPending, 20), pending)
	assert.Equal(t, ChangeUpdated, change)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []string{"1", "2"}, ids(snap))
	assert.Equal(t, schema.ItemStatusPending, snap[1].Status)
	assert.True(t, snap[1].Amount.Equal(decimal.NewFromInt(20)))
}

func TestUpsertScenarioItemStopsMatching(t *testing.T) {
	s := New()
	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 10), mk("2", schema.ItemStatusSuccess, 20)})

	change := s.Upsert(mk("1", schema.ItemStatusSuccess, 10), filter.Set{Status: schema.ItemStatusPending})
	assert.Equal(t, ChangeRemoved, change)
	assert.Equal(t, []string{"2"}, ids(s.Snapshot()))
	_, ok := s.Get("1")
	assert.False(t, ok)
}

func TestAppendPageIsIdempotentByIdentity(t *testing.T) {
	s := New()
	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 10), mk("2", schema.ItemStatusPending, 20)})

	added := s.AppendPage([]schema.Item{mk("2", schema.ItemStatusFailed, 99), mk("3", schema.ItemStatusPending, 30)})
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"1", "2", "3"}, ids(s.Snapshot()))

	got, ok := s.Get("2")
	require.True(t, ok)
	assert.Equal(t, schema.ItemStatusPending, got.Status, "first seen wins")

	added = s.AppendPage([]schema.Item{mk("3", schema.ItemStatusPending, 30)})
	assert.Zero(t, added)
	assert.Equal(t, 3, s.Len())
}

func TestReplacePageDropsDuplicatesInsidePage(t *testing.T) {
	s := New()
	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 1), mk("1", schema.ItemStatusFailed, 1), mk("2", schema.ItemStatusPending, 2)})
	assert.Equal(t, []string{"1", "2"}, ids(s.Snapshot()))
}

func TestReplacePageSinceKeepsNewerPushedStatus(t *testing.T) {
	s := New()
	since := s.Seq()

	// A push lands while the page request is in flight.
	s.Upsert(mk("1", schema.ItemStatusSuccess, 10), filter.Set{})

	s.ReplacePageSince([]schema.Item{mk("1", schema.ItemStatusPending, 10), mk("2", schema.ItemStatusPending, 20)}, since)

	got, ok := s.Get("1")
	require.True(t, ok)
	assert.Equal(t, schema.ItemStatusSuccess, got.Status)
	assert.Equal(t, []string{"1", "2"}, ids(s.Snapshot()))
}

func TestReplacePageSinceHonoursPushedRemoval(t *testing.T) {
	s := New()
	pending := filter.Set{Status: schema.ItemStatusPending}
	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 10)})
	since := s.Seq()

	s.Upsert(mk("1", schema.ItemStatusSuccess, 10), pending)
	s.ReplacePageSince([]schema.Item{mk("1", schema.ItemStatusPending, 10), mk("2", schema.ItemStatusPending, 20)}, since)

	assert.Equal(t, []string{"2"}, ids(s.Snapshot()))
}

func TestReplacePageSinceKeepsPushedItemsMissingFromPage(t *testing.T) {
	s := New()
	since := s.Seq()
	s.Upsert(mk("7", schema.ItemStatusPending, 70), filter.Set{})

	s.ReplacePageSince([]schema.Item{mk("1", schema.ItemStatusPending, 10)}, since)
	assert.Equal(t, []string{"1", "7"}, ids(s.Snapshot()))
}

func TestPageInstallIgnoresMarksOlderThanFetch(t *testing.T) {
	s := New()
	s.Upsert(mk("1", schema.ItemStatusSuccess, 10), filter.Set{})
	since := s.Seq()

	s.ReplacePageSince([]schema.Item{mk("1", schema.ItemStatusFailed, 10)}, since)
	got, ok := s.Get("1")
	require.True(t, ok)
	assert.Equal(t, schema.ItemStatusFailed, got.Status, "page observed the push already")
	assert.Empty(t, s.marks)
}

func TestAppendPageSinceSkipsRowsRemovedByPush(t *testing.T) {
	s := New()
	pending := filter.Set{Status: schema.ItemStatusPending}
	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 10)})
	since := s.Seq()

	s.Upsert(mk("5", schema.ItemStatusFailed, 50), pending)
	added := s.AppendPageSince([]schema.Item{mk("5", schema.ItemStatusPending, 50), mk("6", schema.ItemStatusPending, 60)}, since)

	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"1", "6"}, ids(s.Snapshot()))
}

func TestOnChangeFiresForWrites(t *testing.T) {
	s := New()
	calls := 0
	s.OnChange(func() { calls++ })

	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 10)})
	s.AppendPage([]schema.Item{mk("1", schema.ItemStatusPending, 10)})
	s.Upsert(mk("2", schema.ItemStatusSuccess, 1), filter.Set{Status: schema.ItemStatusPending})
	s.Upsert(mk("1", schema.ItemStatusProcessing, 10), filter.Set{})

	assert.Equal(t, 2, calls, "replace and update notify; no-op append and ignored upsert do not")
}

func TestUpdateInstallsComputedState(t *testing.T) {
	s := New()
	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 10), mk("2", schema.ItemStatusPending, 20)})

	s.Update(func(old []schema.Item) []schema.Item {
		return old[1:]
	})
	assert.Equal(t, []string{"2"}, ids(s.Snapshot()))
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.ReplacePage([]schema.Item{mk("1", schema.ItemStatusPending, 10)})
	snap := s.Snapshot()
	snap[0].Status = schema.ItemStatusFailed

	got, _ := s.Get("1")
	assert.Equal(t, schema.ItemStatusPending, got.Status)
}
