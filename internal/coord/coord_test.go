package coord

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *recorder) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	rec := &recorder{}
	return New(s, rec), rec
}

func TestLocks_WriteExcludes(t *testing.T) {
	l := NewLocks()
	release := l.Acquire(W("session:a"))

	acquired := make(chan struct{})
	go func() {
		r := l.Acquire(R("session:a"))
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired while writer held the key")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	<-acquired
	assert.Equal(t, 0, l.Len())
}

func TestLocks_ReadersShare(t *testing.T) {
	l := NewLocks()
	r1 := l.Acquire(R("session:a"))
	r2 := l.Acquire(R("session:a"))
	r1()
	r2()
	assert.Equal(t, 0, l.Len())
}

func TestLocks_DuplicateKeyTakesStrongestMode(t *testing.T) {
	l := NewLocks()
	release := l.Acquire(R("k"), W("k"), R(""))

	done := make(chan struct{})
	go func() {
		r := l.Acquire(R("k"))
		r()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("duplicate read request downgraded the write lock")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	release() // idempotent
	<-done
}

func TestLocks_OppositeOrderNoDeadlock(t *testing.T) {
	l := NewLocks()
	var wg sync.WaitGroup
	var counter int64
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r := l.Acquire(W("a"), W("b"))
			atomic.AddInt64(&counter, 1)
			r()
		}()
		go func() {
			defer wg.Done()
			r := l.Acquire(W("b"), W("a"))
			atomic.AddInt64(&counter, 1)
			r()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), counter)
	assert.Equal(t, 0, l.Len())
}

func TestCommit_PublishesAfterCommitInOrder(t *testing.T) {
	c, rec := newTestCoordinator(t)
	ctx := context.Background()

	sess := &models.Session{Agent: "claude"}
	err := c.Commit(ctx, func(tx store.Tx, ch *Changes) error {
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		ch.Add(models.EntitySession, sess.ID, models.ChangeCreated, sess)
		ch.Add(models.EntitySession, sess.ID, models.ChangeUpdated, nil)
		return nil
	})
	require.NoError(t, err)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, models.ChangeCreated, events[0].Change)
	assert.Equal(t, sess.ID, events[0].EntityID)
	assert.False(t, events[0].At.IsZero())
	assert.Equal(t, uint64(2), c.Seq())
}

func TestCommit_RollbackPublishesNothing(t *testing.T) {
	c, rec := newTestCoordinator(t)
	ctx := context.Background()

	boom := errors.New("boom")
	var id string
	err := c.Commit(ctx, func(tx store.Tx, ch *Changes) error {
		sess := &models.Session{Agent: "claude"}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		id = sess.ID
		ch.Add(models.EntitySession, sess.ID, models.ChangeCreated, sess)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.snapshot())

	_, err = c.Store().GetSession(ctx, id)
	assert.Error(t, err)
}

func TestCommit_ConcurrentSequenceIsGapless(t *testing.T) {
	c, rec := newTestCoordinator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Commit(ctx, func(tx store.Tx, ch *Changes) error {
				sess := &models.Session{Agent: "claude"}
				if err := tx.CreateSession(ctx, sess); err != nil {
					return err
				}
				ch.Add(models.EntitySession, sess.ID, models.ChangeCreated, nil)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events := rec.snapshot()
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}
