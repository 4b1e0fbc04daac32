package eventbus

import (
	"reflect"
	"sync"
	"testing"
)

// TestChannel_DeliversInSubscriptionOrder verifies that Publish calls every
// subscriber synchronously and in the order they subscribed.
func TestChannel_DeliversInSubscriptionOrder(t *testing.T) {
	var c Channel[int]
	var got []string
	c.Subscribe(func(v int) { got = append(got, "a") })
	c.Subscribe(func(v int) { got = append(got, "b") })
	c.Subscribe(func(v int) { got = append(got, "c") })

	c.Publish(1)

	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivery order = %v, want %v", got, want)
	}
}

// TestChannel_NoReplay verifies that a subscriber does not see values published
// before it subscribed.
func TestChannel_NoReplay(t *testing.T) {
	var c Channel[string]
	c.Publish("before")

	var got []string
	c.Subscribe(func(v string) { got = append(got, v) })
	c.Publish("after")

	if want := []string{"after"}; !reflect.DeepEqual(got, want) {
		t.Errorf("received = %v, want %v", got, want)
	}
}

func TestChannel_Unsubscribe(t *testing.T) {
	var c Channel[int]
	var a, b int
	unsubA := c.Subscribe(func(v int) { a += v })
	c.Subscribe(func(v int) { b += v })

	c.Publish(1)
	unsubA()
	unsubA() // idempotent
	c.Publish(10)

	if a != 1 {
		t.Errorf("a = %d, want 1", a)
	}
	if b != 11 {
		t.Errorf("b = %d, want 11", b)
	}
	if n := c.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

// TestChannel_UnsubscribeDuringPublish verifies that a subscriber removing itself
// inside its handler does not disturb the current delivery and is gone afterwards.
func TestChannel_UnsubscribeDuringPublish(t *testing.T) {
	var c Channel[int]
	calls := 0
	var unsub func()
	unsub = c.Subscribe(func(int) {
		calls++
		unsub()
	})
	second := 0
	c.Subscribe(func(int) { second++ })

	c.Publish(1)
	c.Publish(2)

	if calls != 1 {
		t.Errorf("self-removing subscriber calls = %d, want 1", calls)
	}
	if second != 2 {
		t.Errorf("second subscriber calls = %d, want 2", second)
	}
}

func TestChannel_PublishWithoutSubscribers(t *testing.T) {
	var c Channel[[]string]
	c.Publish([]string{"12345"})
}

func TestChannel_ConcurrentSubscribePublish(t *testing.T) {
	var c Channel[int]
	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := c.Subscribe(func(v int) {
				mu.Lock()
				total += v
				mu.Unlock()
			})
			c.Publish(1)
			unsub()
		}()
	}
	wg.Wait()
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after all unsubscribed", c.Len())
	}
	if total < 20 {
		t.Errorf("total = %d, want at least 20 deliveries", total)
	}
}

func TestBus_Channels(t *testing.T) {
	bus := New()
	var locs []string
	var dup string
	bus.LocationsChanged.Subscribe(func(v []string) { locs = v })
	bus.LocationAlreadyTracked.Subscribe(func(z string) { dup = z })

	bus.LocationsChanged.Publish([]string{"12345"})
	bus.LocationAlreadyTracked.Publish("12345")

	if !reflect.DeepEqual(locs, []string{"12345"}) {
		t.Errorf("LocationsChanged received %v", locs)
	}
	if dup != "12345" {
		t.Errorf("LocationAlreadyTracked received %q", dup)
	}
}
