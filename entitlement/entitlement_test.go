package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiryFor(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	exp := ExpiryFor(now, 30)
	require.NotNil(t, exp)
	assert.Equal(t, now.Add(30*24*time.Hour), *exp)

	assert.Nil(t, ExpiryFor(now, 0))
	assert.Nil(t, ExpiryFor(now, -3))

	long := ExpiryFor(now, 200000)
	require.NotNil(t, long)
	assert.Equal(t, now.AddDate(0, 0, MaxDurationDays), *long)
	assert.False(t, Entitlement{ExpiresAt: long}.Expired(now))
}

func TestExpiredBoundary(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	at := now
	e := Entitlement{SubjectID: 1, ResourceID: "-1001", Kind: KindChannel, ExpiresAt: &at}

	assert.True(t, e.Expired(now))
	assert.False(t, e.Expired(now.Add(-time.Second)))
	assert.True(t, e.Live(now.Add(-time.Second)))

	forever := Entitlement{SubjectID: 1, ResourceID: "ABC"}
	assert.True(t, forever.Forever())
	assert.False(t, forever.Expired(now.Add(100*365*24*time.Hour)))
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("Channel")
	assert.True(t, ok)
	assert.Equal(t, KindChannel, k)

	k, ok = ParseKind("file")
	assert.True(t, ok)
	assert.Equal(t, KindFile, k)

	_, ok = ParseKind("vip")
	assert.False(t, ok)
}

func TestInferKind(t *testing.T) {
	assert.Equal(t, KindChannel, InferKind("-100123"))
	assert.Equal(t, KindFile, InferKind("BQACAgIAAxkBAAI"))
}

func TestCellRoundTrip(t *testing.T) {
	exp := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	entries := []Entitlement{
		{SubjectID: 555, ResourceID: "ABC123", Kind: KindFile},
		{SubjectID: 555, ResourceID: "-100123", Kind: KindChannel, ExpiresAt: &exp},
	}

	cell := FormatCell(entries)
	assert.Equal(t, "-100123:2026-03-01T08:30:00Z;ABC123:forever", cell)

	parsed, err := ParseCell(555, cell)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "-100123", parsed[0].ResourceID)
	assert.Equal(t, KindChannel, parsed[0].Kind)
	require.NotNil(t, parsed[0].ExpiresAt)
	assert.True(t, exp.Equal(*parsed[0].ExpiresAt))
	assert.Equal(t, KindFile, parsed[1].Kind)
	assert.Nil(t, parsed[1].ExpiresAt)
}

func TestParseCellLegacyTimestamps(t *testing.T) {
	parsed, err := ParseCell(7, "-100999:2025-12-31T23:59:59.123456; -100888:2025-12-31 10:00:00 ;")
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, 2025, parsed[0].ExpiresAt.Year())
	assert.Equal(t, 10, parsed[1].ExpiresAt.Hour())
}

func TestParseCellRejectsGarbage(t *testing.T) {
	_, err := ParseCell(7, "no-colon-here")
	assert.Error(t, err)

	_, err = ParseCell(7, "-100:yesterday")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	got, err := s.Get(ctx, 1, "x")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Put(ctx, Entitlement{SubjectID: 42, ResourceID: "-100999", Kind: KindChannel, ExpiresAt: &past}))
	require.NoError(t, s.Put(ctx, Entitlement{SubjectID: 43, ResourceID: "-100999", Kind: KindChannel, ExpiresAt: &future}))
	require.NoError(t, s.Put(ctx, Entitlement{SubjectID: 44, ResourceID: "FILE1", Kind: KindFile}))

	var expired []Entitlement
	for e, err := range s.ListExpired(ctx, now) {
		require.NoError(t, err)
		expired = append(expired, e)
	}
	require.Len(t, expired, 1)
	assert.Equal(t, int64(42), expired[0].SubjectID)

	require.NoError(t, s.Remove(ctx, 42, "-100999"))

	// the sequence reads the store again on every range
	count := 0
	for range s.ListExpired(ctx, now) {
		count++
	}
	assert.Zero(t, count)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestScanExpiredPropagatesLoadError(t *testing.T) {
	boom := Unavailable("load", errors.New("disk gone"))
	seq := ScanExpired(context.Background(), time.Now(), func(context.Context) ([]Entitlement, error) {
		return nil, boom
	})
	for _, err := range seq {
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	k := Key{SubjectID: 1, ResourceID: "-1001"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(k)
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, m.held())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	unlockA := m.Lock(Key{SubjectID: 1, ResourceID: "a"})
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock(Key{SubjectID: 2, ResourceID: "a"})
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
