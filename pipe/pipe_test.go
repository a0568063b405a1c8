package pipe

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	p := New[int]()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Write(ctx, i))
	}
	require.NoError(t, p.Complete(nil))

	for i := 0; i < 100; i++ {
		v, err := p.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := p.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteAfterComplete(t *testing.T) {
	p := New[string]()
	require.NoError(t, p.Complete(nil))
	assert.ErrorIs(t, p.Write(context.Background(), "late"), ErrCompleted)
	assert.ErrorIs(t, p.Complete(nil), ErrCompleted)
	assert.False(t, p.TryComplete(errors.New("again")))
}

func TestWriteCancelled(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Write(ctx, 1), context.Canceled)
	assert.Equal(t, 0, p.Len())
}

func TestCompleteWithError(t *testing.T) {
	p := New[int]()
	boom := errors.New("boom")
	require.NoError(t, p.Write(context.Background(), 7))
	require.True(t, p.TryComplete(boom))

	v, err := p.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = p.Read(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestReadBlocksUntilWrite(t *testing.T) {
	p := New[int]()
	got := make(chan int, 1)
	go func() {
		v, err := p.Read(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Write(context.Background(), 42))

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestReadContextDone(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentWriters(t *testing.T) {
	p := New[int]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = p.Write(context.Background(), i)
			}
		}()
	}
	wg.Wait()
	p.TryComplete(nil)

	n := 0
	for {
		if _, err := p.Read(context.Background()); err != nil {
			break
		}
		n++
	}
	assert.Equal(t, 400, n)
}
