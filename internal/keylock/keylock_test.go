package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLock_SerializesSameKey(t *testing.T) {
	var m Map
	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "S1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after all unlocks, want 0", m.Len())
	}
}

func TestLock_IndependentKeys(t *testing.T) {
	var m Map
	unlock1, err := m.Lock(context.Background(), "S1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := m.Lock(ctx, "S2")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	unlock2()
}

func TestLock_ContextCancel(t *testing.T) {
	var m Map
	unlock, _ := m.Lock(context.Background(), "m1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "m1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}

	unlock()
	unlock() // second call is a no-op
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}
