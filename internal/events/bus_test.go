package events

import (
	"sync"
	"testing"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()

	var order []string
	b.On("process.exit", func(Event) { order = append(order, "first") })
	b.On("process.exit", func(Event) { order = append(order, "second") })
	b.On(Wildcard, func(Event) { order = append(order, "wild") })

	b.Emit("process.exit", M{"pid": 2})

	want := []string{"first", "second", "wild"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestWildcardSeesFullEvent(t *testing.T) {
	b := NewBus()

	var got Event
	b.On(Wildcard, func(e Event) { got = e })

	b.Emit("fs.changed", M{"path": "/etc/hostname"})

	if got.Type != "fs.changed" {
		t.Fatalf("type = %q", got.Type)
	}
	if got.Data["path"] != "/etc/hostname" {
		t.Fatalf("data = %v", got.Data)
	}
}

func TestEmitUnsubscribedTypeIsNoop(t *testing.T) {
	b := NewBus()

	fired := false
	b.On("tty.output", func(Event) { fired = true })

	b.Emit("tty.closed", nil)
	if fired {
		t.Fatalf("handler fired for a type it never subscribed to")
	}
}

func TestPanicIsolation(t *testing.T) {
	b := NewBus()

	var after int
	b.On("cron.fired", func(Event) { panic("handler bug") })
	b.On("cron.fired", func(Event) { after++ })

	b.Emit("cron.fired", M{"jobId": "c1"})
	if after != 1 {
		t.Fatalf("panicking handler aborted delivery, after = %d", after)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := NewBus()

	var a, c int
	offA := b.On("memory.stored", func(Event) { a++ })
	b.On("memory.stored", func(Event) { c++ })

	offA()
	offA()

	b.Emit("memory.stored", nil)
	if a != 0 || c != 1 {
		t.Fatalf("a = %d, c = %d", a, c)
	}
	if n := b.SubscriberCount("memory.stored"); n != 1 {
		t.Fatalf("subscriber count = %d", n)
	}
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	b := NewBus()

	// A handler that removes itself must still let the snapshot finish
	// the current delivery round.
	var calls int
	var off func()
	off = b.On("process.signal", func(Event) {
		calls++
		off()
	})
	b.On("process.signal", func(Event) { calls++ })

	b.Emit("process.signal", nil)
	b.Emit("process.signal", nil)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	seen := 0
	b.On(Wildcard, func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit("ipc.delivered", M{"n": j})
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				off := b.On("ipc.delivered", func(Event) {})
				off()
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen != 8*50 {
		t.Fatalf("wildcard saw %d events, want %d", seen, 8*50)
	}
}
