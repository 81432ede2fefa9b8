package serial

import (
	"sync"
	"testing"
	"time"
)

func TestRunsInOrder(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		q.Push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
}

func TestCloseDrainsThenDrops(t *testing.T) {
	q := New()
	ran := make(chan string, 2)
	q.Push(func() { ran <- "before" })
	q.Close()
	q.Push(func() { ran <- "after" })
	q.Close()

	select {
	case v := <-ran:
		if v != "before" {
			t.Fatalf("ran %q first", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending item dropped")
	}
	select {
	case v := <-ran:
		t.Fatalf("item %q ran after close", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPushFromCallback(t *testing.T) {
	q := New()
	done := make(chan struct{})
	q.Push(func() {
		q.Push(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested push never ran")
	}
}
