package bus

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeOrder(t *testing.T) {
	b := New[int](nil)

	var got []string
	var mu sync.Mutex
	b.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
	})
	b.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, "second")
		mu.Unlock()
	})

	b.Emit(1)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("delivery order = %v, want [first second]", got)
	}
}

func TestCancelRemovesHandlerSynchronously(t *testing.T) {
	b := New[int](nil)

	count := 0
	cancel := b.Subscribe(func(v int) { count++ })

	b.Emit(1)
	cancel()
	b.Emit(2)

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestOnceFiresOnlyOnce(t *testing.T) {
	b := New[int](nil)

	count := 0
	b.Once(func(v int) { count++ })

	b.Emit(1)
	b.Emit(2)

	if count != 1 {
		t.Errorf("once handler called %d times, want 1", count)
	}
}

func TestHandlerPanicDoesNotAffectOthers(t *testing.T) {
	b := New[int](nil)

	b.Subscribe(func(v int) { panic("boom") })
	count := 0
	b.Subscribe(func(v int) { count++ })

	b.Emit(1)

	if count != 1 {
		t.Errorf("second handler called %d times, want 1", count)
	}
}

func TestEventsOrderAndCompletion(t *testing.T) {
	b := New[int](nil)
	ch := b.Events()

	go func() {
		for i := 0; i < 5; i++ {
			b.Emit(i)
		}
		b.Complete()
	}()

	var got []int
	for v := range ch {
		got = append(got, v)
	}

	if len(got) != 5 {
		t.Fatalf("received %d events, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestEventsAfterCompleteTerminatesImmediately(t *testing.T) {
	b := New[int](nil)
	b.Complete()

	select {
	case _, ok := <-b.Events():
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Error("channel did not close")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	b := New[int](nil)
	b.Complete()
	b.Complete()

	if !b.Completed() {
		t.Error("Completed() = false after Complete")
	}
}

func TestEmitAfterCompleteIsDropped(t *testing.T) {
	b := New[int](nil)

	count := 0
	b.Subscribe(func(v int) { count++ })
	b.Complete()
	b.Emit(1)

	if count != 0 {
		t.Errorf("handler called %d times after Complete, want 0", count)
	}
}

func TestMultipleConsumersObserveSameOrder(t *testing.T) {
	b := New[int](nil)
	ch1 := b.Events()
	ch2 := b.Events()

	go func() {
		for i := 0; i < 100; i++ {
			b.Emit(i)
		}
		b.Complete()
	}()

	collect := func(ch <-chan int) []int {
		var out []int
		for v := range ch {
			out = append(out, v)
		}
		return out
	}

	var wg sync.WaitGroup
	var got1, got2 []int
	wg.Add(2)
	go func() { defer wg.Done(); got1 = collect(ch1) }()
	go func() { defer wg.Done(); got2 = collect(ch2) }()
	wg.Wait()

	if len(got1) != 100 || len(got2) != 100 {
		t.Fatalf("lengths = %d, %d, want 100, 100", len(got1), len(got2))
	}
	for i := range got1 {
		if got1[i] != got2[i] {
			t.Fatalf("consumers diverge at %d: %d vs %d", i, got1[i], got2[i])
		}
	}
}
