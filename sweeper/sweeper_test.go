package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

type removal struct {
	channelID, userID int64
}

type fakeMessenger struct {
	mu       sync.Mutex
	removed  []removal
	messages map[int64][]string
	failFor  map[int64]error
	onRemove func()
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{messages: map[int64][]string{}, failFor: map[int64]error{}}
}

func (f *fakeMessenger) RemoveFromChannel(_ context.Context, channelID, userID int64) error {
	if f.onRemove != nil {
		f.onRemove()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[userID]; err != nil {
		return err
	}
	f.removed = append(f.removed, removal{channelID: channelID, userID: userID})
	return nil
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[chatID] = append(f.messages[chatID], text)
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(t time.Time) *time.Time { return &t }

func newSweeper(t *testing.T, store entitlement.Store, m Messenger) *Sweeper {
	t.Helper()
	return New(store, m, entitlement.NewKeyedMutex(), zaptest.NewLogger(t), Options{
		CallTimeout: time.Second,
		Now:         func() time.Time { return testNow },
	})
}

func put(t *testing.T, store entitlement.Store, e entitlement.Entitlement) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), e))
}

func TestRunOnceRevokesExpiredChannel(t *testing.T) {
	ctx := context.Background()
	store := entitlement.NewMemoryStore()
	put(t, store, entitlement.Entitlement{SubjectID: 555, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: at(testNow.Add(-time.Minute))})
	put(t, store, entitlement.Entitlement{SubjectID: 556, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: at(testNow.Add(time.Hour))})
	put(t, store, entitlement.Entitlement{SubjectID: 557, ResourceID: "-100123", Kind: entitlement.KindChannel})
	m := newFakeMessenger()
	s := newSweeper(t, store, m)

	rep := s.RunOnce(ctx)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, rep.Revoked)
	assert.Empty(t, rep.Failures)

	assert.Equal(t, []removal{{channelID: -100123, userID: 555}}, m.removed)
	require.Len(t, m.messages[555], 1)
	assert.Equal(t, DefaultLapseMessage, m.messages[555][0])

	e, err := store.Get(ctx, 555, "-100123")
	require.NoError(t, err)
	assert.Nil(t, e)

	for _, id := range []int64{556, 557} {
		e, err := store.Get(ctx, id, "-100123")
		require.NoError(t, err)
		assert.NotNil(t, e, "live entitlement %d must survive", id)
	}

	// a second cycle finds nothing to do
	rep = s.RunOnce(ctx)
	assert.Zero(t, rep.Expired)
	assert.Len(t, m.removed, 1)
}

func TestRunOnceExpiryBoundary(t *testing.T) {
	store := entitlement.NewMemoryStore()
	put(t, store, entitlement.Entitlement{SubjectID: 555, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: at(testNow)})
	m := newFakeMessenger()

	rep := newSweeper(t, store, m).RunOnce(context.Background())
	assert.Equal(t, 1, rep.Revoked, "an entitlement expiring exactly now is expired")
}

func TestRunOnceRemovesExpiredFileWithoutMessaging(t *testing.T) {
	store := entitlement.NewMemoryStore()
	put(t, store, entitlement.Entitlement{SubjectID: 555, ResourceID: "ABC123", Kind: entitlement.KindFile, ExpiresAt: at(testNow.Add(-time.Hour))})
	m := newFakeMessenger()

	rep := newSweeper(t, store, m).RunOnce(context.Background())
	assert.Equal(t, 1, rep.Revoked)
	assert.Empty(t, m.removed)
	assert.Empty(t, m.messages)

	e, err := store.Get(context.Background(), 555, "ABC123")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestRunOncePartialFailure(t *testing.T) {
	ctx := context.Background()
	store := entitlement.NewMemoryStore()
	for _, id := range []int64{1001, 1002, 1003} {
		put(t, store, entitlement.Entitlement{SubjectID: id, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: at(testNow.Add(-time.Hour))})
	}
	m := newFakeMessenger()
	m.failFor[1002] = errors.New("Bad Request: not enough rights")
	s := newSweeper(t, store, m)

	rep := s.RunOnce(ctx)
	assert.Equal(t, 3, rep.Expired)
	assert.Equal(t, 2, rep.Revoked)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, entitlement.Key{SubjectID: 1002, ResourceID: "-100123"}, rep.Failures[0].Key)
	assert.ErrorIs(t, rep.Failures[0].Err, ErrRevocationFailed)

	e, err := store.Get(ctx, 1002, "-100123")
	require.NoError(t, err)
	assert.NotNil(t, e, "failed revocation leaves the entry for the next cycle")
	assert.Empty(t, m.messages[1002])

	delete(m.failFor, 1002)
	rep = s.RunOnce(ctx)
	assert.Equal(t, 1, rep.Revoked)
}

func TestRunOnceSkipsRenewedEntitlement(t *testing.T) {
	ctx := context.Background()
	store := entitlement.NewMemoryStore()
	k := entitlement.Key{SubjectID: 555, ResourceID: "-100123"}
	put(t, store, entitlement.Entitlement{SubjectID: 555, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: at(testNow.Add(-time.Hour))})
	put(t, store, entitlement.Entitlement{SubjectID: 1, ResourceID: "-100999", Kind: entitlement.KindChannel, ExpiresAt: at(testNow.Add(-2 * time.Hour))})

	m := newFakeMessenger()
	s := newSweeper(t, store, m)
	// renew 555 while the sweeper is busy with the entry listed before it
	m.onRemove = func() {
		m.onRemove = nil
		put(t, store, entitlement.Entitlement{SubjectID: k.SubjectID, ResourceID: k.ResourceID, Kind: entitlement.KindChannel, ExpiresAt: at(testNow.Add(24 * time.Hour))})
	}

	rep := s.RunOnce(ctx)
	assert.Equal(t, 2, rep.Expired)
	assert.Equal(t, 1, rep.Revoked)
	assert.Equal(t, 1, rep.Skipped)

	e, err := store.Get(ctx, k.SubjectID, k.ResourceID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.Live(testNow))
}

func TestRunOnceStopsWhenCancelled(t *testing.T) {
	store := entitlement.NewMemoryStore()
	for _, id := range []int64{1001, 1002} {
		put(t, store, entitlement.Entitlement{SubjectID: id, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: at(testNow.Add(-time.Hour))})
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := newFakeMessenger()
	m.onRemove = cancel
	s := newSweeper(t, store, m)

	rep := s.RunOnce(ctx)
	assert.True(t, rep.Interrupted)
	assert.Equal(t, 1, rep.Revoked, "the call in flight completes, the next entry waits")
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	store := entitlement.NewMemoryStore()
	put(t, store, entitlement.Entitlement{SubjectID: 555, ResourceID: "-100123", Kind: entitlement.KindChannel, ExpiresAt: at(testNow.Add(time.Hour))})
	m := newFakeMessenger()
	s := newSweeper(t, store, m)

	require.NoError(t, s.Revoke(ctx, 555, "-100123"))
	assert.Len(t, m.removed, 1)

	err := s.Revoke(ctx, 555, "-100123")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestStartStopsWithContext(t *testing.T) {
	store := entitlement.NewMemoryStore()
	s := New(store, newFakeMessenger(), nil, zaptest.NewLogger(t), Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
