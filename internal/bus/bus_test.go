package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	sub, err := b.Subscribe(SubjectFills, 4)
	require.NoError(t, err)
	other, err := b.Subscribe(SubjectOrders, 4)
	require.NoError(t, err)

	data := []byte(`{"fill_id":"1"}`)
	require.NoError(t, b.Publish(context.Background(), SubjectFills, data))
	data[2] = 'X' // издатель не владеет отправленными байтами

	select {
	case msg := <-sub.C:
		assert.Equal(t, SubjectFills, msg.Subject)
		assert.Equal(t, `{"fill_id":"1"}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case <-other.C:
		t.Fatal("message delivered to another subject")
	default:
	}
}

func TestPublish_NonBlockingDrops(t *testing.T) {
	var drops atomic.Int32
	b := NewMemory(func(subject string) { drops.Add(1) })
	defer b.Close()

	sub, err := b.Subscribe(SubjectRejections, 1)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectRejections, []byte("1")))
	err = b.Publish(context.Background(), SubjectRejections, []byte("2"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, int32(1), drops.Load())

	last, ok := b.Last(SubjectRejections)
	require.True(t, ok)
	assert.Equal(t, "2", string(last.Data), "last value is kept even when a subscriber drops it")
}

func TestPublish_CanceledContext(t *testing.T) {
	b := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Publish(ctx, SubjectMode, nil), context.Canceled)
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := NewMemory(nil)

	sub, err := b.Subscribe(SubjectMode, 1)
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, open := <-sub.C
	assert.False(t, open)
	require.NoError(t, b.Publish(context.Background(), SubjectMode, []byte("x")))

	sub2, err := b.Subscribe(SubjectMode, 1)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, open = <-sub2.C
	assert.False(t, open)
	assert.ErrorIs(t, b.Publish(context.Background(), SubjectMode, nil), ErrBusClosed)
	_, err = b.Subscribe(SubjectMode, 1)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestConcurrentPublish(t *testing.T) {
	b := NewMemory(nil)
	sub, err := b.Subscribe(SubjectCommands, 1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Publish(context.Background(), SubjectCommands, []byte("c"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, len(sub.C))
	require.NoError(t, b.Close())
}
