package stream

import (
	"sync"
	"testing"

	"clinic-paging/internal/calls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewRegistry(4)

	s1, un1 := r.Register(1)
	_, un2 := r.Register(1)
	_, un3 := r.Register(2)
	assert.Equal(t, []int64{1, 2}, r.Areas())
	assert.Equal(t, 2, r.Count(1))

	un1()
	un1() // second removal is a no-op
	_, open := <-s1.Events()
	assert.False(t, open, "unregistered subscriber channel must be closed")
	assert.Equal(t, 1, r.Count(1))

	un2()
	un3()
	assert.Empty(t, r.Areas())
}

func TestRegistry_BroadcastReachesOnlyTheArea(t *testing.T) {
	r := NewRegistry(4)
	a, _ := r.Register(1)
	b, _ := r.Register(1)
	other, _ := r.Register(2)

	p := calls.Payload{CallID: 10, AnnouncementID: 20, Attempt: 1}
	assert.Equal(t, 2, r.Broadcast(1, p))

	assert.Equal(t, p, <-a.Events())
	assert.Equal(t, p, <-b.Events())
	select {
	case got := <-other.Events():
		t.Fatalf("area 2 must not receive area 1 payloads, got %+v", got)
	default:
	}
}

func TestRegistry_SlowSubscriberIsDropped(t *testing.T) {
	r := NewRegistry(1)
	slow, _ := r.Register(1)
	fast, _ := r.Register(1)

	require.Equal(t, 2, r.Broadcast(1, calls.Payload{AnnouncementID: 1}))
	<-fast.Events()

	// slow never reads, so its single slot is still full.
	assert.Equal(t, 1, r.Broadcast(1, calls.Payload{AnnouncementID: 2}))
	assert.Equal(t, 1, r.Count(1))

	got := <-slow.Events()
	assert.Equal(t, int64(1), got.AnnouncementID)
	_, open := <-slow.Events()
	assert.False(t, open, "dropped subscriber channel must be closed")

	assert.Equal(t, int64(2), (<-fast.Events()).AnnouncementID)
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry(2)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, unregister := r.Register(int64(i % 3))
			for j := 0; j < 10; j++ {
				select {
				case <-s.Events():
				default:
				}
			}
			unregister()
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Broadcast(int64(j%3), calls.Payload{AnnouncementID: int64(j)})
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, r.Areas())
}

func TestRegistry_CloseAllEndsEverySubscriber(t *testing.T) {
	r := NewRegistry(4)
	a, unA := r.Register(1)
	b, _ := r.Register(1)
	c, _ := r.Register(2)

	require.Equal(t, 3, r.CloseAll())
	for _, s := range []*Subscriber{a, b, c} {
		_, open := <-s.Events()
		assert.False(t, open)
	}
	assert.Empty(t, r.Areas())

	unA() // removal after CloseAll is a no-op
	assert.Equal(t, 0, r.CloseAll())
}
