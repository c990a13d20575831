package util

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBasicOperations tests basic push and receive in order
func TestBasicOperations(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		require.True(t, q.Push(i), "push %d", i)
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			assert.Equal(t, i, val)
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", val)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestConcurrentProducers checks that no item is lost or duplicated and that
// every producer's items arrive in push order
func TestConcurrentProducers(t *testing.T) {
	q := NewMPSCQueue[[2]int]()
	defer q.Close()

	const numProducers = 10
	const itemsPerProducer = 1000
	totalItems := numProducers * itemsPerProducer

	done := make(chan struct{})
	lastSeen := make([]int, numProducers)
	for i := range lastSeen {
		lastSeen[i] = -1
	}
	received := 0

	go func() {
		defer close(done)
		for received < totalItems {
			select {
			case item := <-q.Recv():
				producer, seq := item[0], item[1]
				if seq != lastSeen[producer]+1 {
					t.Errorf("producer %d: expected %d, got %d", producer, lastSeen[producer]+1, seq)
					return
				}
				lastSeen[producer] = seq
				received++
			case <-time.After(2 * time.Second):
				t.Errorf("Timeout waiting for items, received %d of %d", received, totalItems)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				if !q.Push([2]int{producerID, i}) {
					t.Errorf("Producer %d failed to push item %d", producerID, i)
				}
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for consumer to finish")
	}
	assert.Equal(t, totalItems, received)
}

// TestCloseQueue verifies that queued items survive Close and the channel closes afterwards
func TestCloseQueue(t *testing.T) {
	defer leaktest.Check(t)()

	q := NewMPSCQueue[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	q.Close()

	assert.True(t, q.IsClosed())
	assert.False(t, q.Push(100), "push after close")

	for i := 0; i < 5; i++ {
		select {
		case val := <-q.Recv():
			assert.Equal(t, i, val)
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for item %d after close", i)
		}
	}

	_, ok := <-q.Recv()
	assert.False(t, ok, "channel should be closed")
}

// TestSparsePushes pushes with pauses so the consumer parks between items
func TestSparsePushes(t *testing.T) {
	q := NewMPSCQueue[string]()
	defer q.Close()

	for i := 0; i < 50; i++ {
		time.Sleep(time.Millisecond)
		q.Push("x")
		select {
		case v := <-q.Recv():
			assert.Equal(t, "x", v)
		case <-time.After(time.Second):
			t.Fatalf("item %d was not delivered", i)
		}
	}
}

func TestLen(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	assert.Equal(t, 0, q.Len())
	for i := 0; i < 3; i++ {
		q.Push(i)
	}
	// the consumer may already hold one item waiting for a receiver
	assert.GreaterOrEqual(t, q.Len(), 2)
}

func BenchmarkPush(b *testing.B) {
	q := NewMPSCQueue[int]()
	go func() {
		for range q.Recv() {
		}
	}()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			q.Push(1)
		}
	})
	q.Close()
}
