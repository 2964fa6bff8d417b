package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/util/workerpool"
)

func TestPool_RunsAndDrainsOnStop(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "listeners", Workers: 2, QueueSize: 16, Logger: zap.NewNop()})

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(workerpool.Task{Name: "count", Fn: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ran++
			return nil
		}}))
	}

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 10, ran)
	assert.Equal(t, uint64(10), p.Stats().Completed)

	err := p.Submit(workerpool.Task{Name: "late", Fn: func(context.Context) error { return nil }})
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeStopped))
}

func TestPool_CountsFailuresAndPanics(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "listeners", Workers: 1, QueueSize: 4})

	require.NoError(t, p.Submit(workerpool.Task{Name: "fails", Fn: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, p.Submit(workerpool.Task{Name: "panics", Fn: func(context.Context) error { panic("boom") }}))
	require.NoError(t, p.Stop(context.Background()))

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(0), stats.Completed)
}

func TestPool_RejectsWhenFull(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "listeners", Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(workerpool.Task{Name: "block", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(workerpool.Task{Name: "queued", Fn: func(context.Context) error { return nil }}))

	err := p.Submit(workerpool.Task{Name: "overflow", Fn: func(context.Context) error { return nil }})
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeQueueFull))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = p.SubmitWait(ctx, workerpool.Task{Name: "waits", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, uint64(2), p.Stats().Rejected)
}
