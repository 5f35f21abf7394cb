package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutOverwritesAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	got, err := s.Get(ctx, 555, "-100123")
	require.NoError(t, err)
	assert.Nil(t, got)

	first := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, entitlement.Entitlement{SubjectID: 555, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: &first}))
	second := first.AddDate(0, 1, 0)
	require.NoError(t, s.Put(ctx, entitlement.Entitlement{SubjectID: 555, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: &second}))

	got, err = s.Get(ctx, 555, "-100123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, *got.ExpiresAt)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestForeverAndRemove(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Put(ctx, entitlement.Entitlement{SubjectID: 1, ResourceID: "ABC123", Kind: entitlement.KindFile}))
	got, err := s.Get(ctx, 1, "ABC123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Forever())
	assert.Equal(t, entitlement.KindFile, got.Kind)

	require.NoError(t, s.Remove(ctx, 1, "ABC123"))
	got, err = s.Get(ctx, 1, "ABC123")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListExpired(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	require.NoError(t, s.Put(ctx, entitlement.Entitlement{SubjectID: 2, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: &past}))
	require.NoError(t, s.Put(ctx, entitlement.Entitlement{SubjectID: 1, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: &now}))
	require.NoError(t, s.Put(ctx, entitlement.Entitlement{SubjectID: 3, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: &future}))
	require.NoError(t, s.Put(ctx, entitlement.Entitlement{SubjectID: 4, ResourceID: "ABC123", Kind: entitlement.KindFile}))

	seq := s.ListExpired(ctx, now)
	var ids []int64
	for e, err := range seq {
		require.NoError(t, err)
		ids = append(ids, e.SubjectID)
	}
	assert.Equal(t, []int64{1, 2}, ids)

	// ranging again reflects the removal
	require.NoError(t, s.Remove(ctx, 1, "-100123"))
	ids = nil
	for e, err := range seq {
		require.NoError(t, err)
		ids = append(ids, e.SubjectID)
	}
	assert.Equal(t, []int64{2}, ids)
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), 1, "x")
	assert.ErrorIs(t, err, entitlement.ErrStoreUnavailable)
}
