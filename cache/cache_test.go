package cache

import (
	"strconv"
	"sync"
	"testing"
)

func TestAcquireCreatesOnce(t *testing.T) {
	c := New[string, int]()
	created := 0

	v, err := c.Acquire("a", 1, func() (int, error) { created++; return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Acquire = %d, %v", v, err)
	}
	v, err = c.Acquire("a", 2, func() (int, error) { created++; return 99, nil })
	if err != nil || v != 42 {
		t.Fatalf("second Acquire = %d, %v, want cached 42", v, err)
	}
	if created != 1 {
		t.Errorf("create called %d times, want 1", created)
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", s)
	}
}

func TestCollectThreshold(t *testing.T) {
	c := New[string, int]()
	destroyed := []int{}

	c.Acquire("old", 1, func() (int, error) { return 1, nil })
	c.Acquire("new", 9, func() (int, error) { return 2, nil })

	c.Collect(10, 5, func(v int) { destroyed = append(destroyed, v) })

	if c.Len() != 1 {
		t.Errorf("after collect Len = %d, want 1", c.Len())
	}
	if len(destroyed) != 1 || destroyed[0] != 1 {
		t.Errorf("destroyed = %v, want [1]", destroyed)
	}
	// An entry exactly at the threshold survives.
	c.Collect(14, 5, func(v int) { destroyed = append(destroyed, v) })
	if c.Len() != 1 {
		t.Error("entry at threshold boundary was destroyed")
	}
}

func TestAcquireConcurrent(t *testing.T) {
	c := New[int, int]()
	var created sync.Map
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := i % 16
				v, err := c.Acquire(key, uint64(i), func() (int, error) {
					if _, loaded := created.LoadOrStore(key, true); loaded {
						t.Errorf("key %d created twice", key)
					}
					return key * 10, nil
				})
				if err != nil || v != key*10 {
					t.Errorf("Acquire(%d) = %d, %v", key, v, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if c.Len() != 16 {
		t.Errorf("Len = %d, want 16", c.Len())
	}
}

func TestPerFrameMergeOnCollect(t *testing.T) {
	pf := NewPerFrame[string, int](2, 4)
	v := pf.Frame(0, 10)

	// Two threads create entries in their own append buffers.
	got, err := v.Acquire("a", 0, func() (int, error) { return 1, nil })
	if err != nil || got != 1 {
		t.Fatalf("Acquire = %d, %v", got, err)
	}
	got, _ = v.Acquire("a", 1, func() (int, error) { return 2, nil })
	if got != 2 {
		t.Fatalf("thread 1 saw thread 0's unmerged entry")
	}

	if v.Len() != 0 {
		t.Fatalf("shared map populated before collect: %d", v.Len())
	}

	destroyed := 0
	v.Collect(100, func(int) { destroyed++ })

	if v.Len() != 1 {
		t.Errorf("after collect shared Len = %d, want 1", v.Len())
	}
	if destroyed != 1 {
		t.Errorf("duplicate entries destroyed = %d, want 1", destroyed)
	}

	// After the merge both threads hit the shared entry.
	got, _ = v.Acquire("a", 1, func() (int, error) { return 3, nil })
	if got != 1 && got != 2 {
		t.Errorf("post-merge Acquire = %d, want the merged value", got)
	}
}

func TestPerFrameExpiry(t *testing.T) {
	pf := NewPerFrame[string, int](1, 1)

	v := pf.Frame(0, 1)
	v.Acquire("stale", 0, func() (int, error) { return 7, nil })
	v.Collect(3, nil)

	later := pf.Frame(0, 50)
	destroyed := 0
	later.Collect(3, func(int) { destroyed++ })
	if destroyed != 1 {
		t.Errorf("stale entry not destroyed: destroyed = %d", destroyed)
	}
	if later.Len() != 0 {
		t.Errorf("Len = %d after expiry, want 0", later.Len())
	}
}

func TestPerFrameParallelAppend(t *testing.T) {
	const threads = 8
	pf := NewPerFrame[string, int](1, threads)
	v := pf.Frame(0, 1)

	var wg sync.WaitGroup
	for tid := 0; tid < threads; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := "k" + strconv.Itoa(i%8)
				if _, err := v.Acquire(key, tid, func() (int, error) { return i, nil }); err != nil {
					t.Error(err)
					return
				}
			}
		}(tid)
	}
	wg.Wait()

	v.Collect(100, nil)
	if v.Len() != 8 {
		t.Errorf("after merge Len = %d, want 8", v.Len())
	}
}
