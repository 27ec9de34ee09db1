// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_DeliversToAllSubscribers(t *testing.T) {
	bus := New(nil, nil)

	var a, b int32
	var wg sync.WaitGroup
	wg.Add(2)
	bus.Subscribe(KindTaskCompleted, func(Event) {
		atomic.AddInt32(&a, 1)
		wg.Done()
	})
	bus.Subscribe(KindTaskCompleted, func(Event) {
		atomic.AddInt32(&b, 1)
		wg.Done()
	})

	bus.Emit(Event{Kind: KindTaskCompleted, Source: "test"})

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))
}

func TestEmit_FailingSubscriberDoesNotAffectSiblings(t *testing.T) {
	bus := New(nil, nil)

	var delivered int32
	var wg sync.WaitGroup
	wg.Add(2)

	bus.Subscribe(KindTaskFailed, func(Event) {
		defer wg.Done()
		panic("boom")
	})
	bus.Subscribe(KindTaskFailed, func(Event) {
		defer wg.Done()
		atomic.AddInt32(&delivered, 1)
	})

	bus.Emit(Event{Kind: KindTaskFailed})

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}

func TestSubscribe_OnlyMatchingKindIsDelivered(t *testing.T) {
	bus := New(nil, nil)

	var got []Kind
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	bus.Subscribe(KindTaskCompleted, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Emit(Event{Kind: KindTaskFailed})
	bus.Emit(Event{Kind: KindTaskCompleted})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, KindTaskCompleted, got[0])
}

func TestCancel_StopsFurtherDelivery(t *testing.T) {
	bus := New(nil, nil)

	var count int32
	sub := bus.Subscribe(KindAgentIdle, func(Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.Emit(Event{Kind: KindAgentIdle})
	time.Sleep(20 * time.Millisecond)
	sub.Cancel()
	bus.Emit(Event{Kind: KindAgentIdle})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.Equal(t, 0, bus.SubscriberCount(KindAgentIdle))
}

func TestEmit_StampsTimestampWhenZero(t *testing.T) {
	bus := New(nil, nil)

	received := make(chan Event, 1)
	bus.Subscribe(KindSystemError, func(ev Event) { received <- ev })

	bus.Emit(Event{Kind: KindSystemError})

	select {
	case ev := <-received:
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
