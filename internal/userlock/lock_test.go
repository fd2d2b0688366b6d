package userlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithUserLockSerializesSameUser(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithUserLock(ctx, "u1", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxInside) {
					atomic.StoreInt32(&maxInside, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestWithUserLockDifferentUsersOverlap(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	u1Held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- l.WithUserLock(ctx, "u1", func(ctx context.Context) error {
			close(u1Held)
			<-release
			return nil
		})
	}()

	<-u1Held
	// A different user's lock must not queue behind u1's.
	err := l.WithUserLock(ctx, "u2", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestWithUserLockPropagatesError(t *testing.T) {
	l := NewKeyedLocker()
	sentinel := errors.New("boom")
	err := l.WithUserLock(context.Background(), "u1", func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestWithUserLockCanceledContext(t *testing.T) {
	l := NewKeyedLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := l.WithUserLock(ctx, "u1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestEntriesDoNotAccumulate(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.WithUserLock(ctx, "u1", func(ctx context.Context) error { return nil }))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.entries)
}
