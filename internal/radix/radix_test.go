package radix

import (
	"math/rand"
	"testing"
)

func TestInsertAdjacent(t *testing.T) {
	tr := New[int]()
	tr.Insert(0x1, 1, 1)
	tr.Insert(0x2, 1, 2)

	p := tr.Find(0x1)
	if p == nil || *p != 1 {
		t.Fatalf("Find(0x1) = %v, want 1", p)
	}
	p = tr.Find(0x2)
	if p == nil || *p != 2 {
		t.Fatalf("Find(0x2) = %v, want 2", p)
	}
}

func TestInsertCoversRange(t *testing.T) {
	tr := New[int]()
	tr.Insert(0x2, 2, 2)

	if p := tr.Find(0x1); p != nil {
		t.Errorf("Find(0x1) = %d, want nil", *p)
	}
	if p := tr.Find(0x2); p == nil || *p != 2 {
		t.Errorf("Find(0x2) = %v, want 2", p)
	}
	if p := tr.Find(0x3); p == nil || *p != 2 {
		t.Errorf("Find(0x3) = %v, want 2", p)
	}
	if p := tr.Find(0x4); p != nil {
		t.Errorf("Find(0x4) = %d, want nil", *p)
	}
}

func TestInsertSingleSlot(t *testing.T) {
	tr := New[int]()
	tr.Insert(0x2, 1, 2)

	if p := tr.Find(0x2); p == nil || *p != 2 {
		t.Errorf("Find(0x2) = %v, want 2", p)
	}
	if p := tr.Find(0x1); p != nil {
		t.Errorf("Find(0x1) = %d, want nil", *p)
	}
	if p := tr.Find(0x3); p != nil {
		t.Errorf("Find(0x3) = %d, want nil", *p)
	}
}

func TestInsertSmallerAfterLarger(t *testing.T) {
	tr := New[int]()
	tr.Insert(0x2, 2, 2)
	tr.Insert(0x1, 1, 1)

	if p := tr.Find(0x1); p == nil || *p != 1 {
		t.Errorf("Find(0x1) = %v, want 1", p)
	}
	if p := tr.Find(0x2); p == nil || *p != 2 {
		t.Errorf("Find(0x2) = %v, want 2", p)
	}
}

func TestInsertUnaligned(t *testing.T) {
	tr := New[int]()
	const base, size = 0x3, 4

	tr.InsertUnaligned(base, size, 2)
	for i := uint64(0); i < size; i++ {
		p := tr.Find(base + i)
		if p == nil || *p != 2 {
			t.Fatalf("Find(%#x) = %v, want 2", base+i, p)
		}
	}
}

func TestInsertUnalignedSingle(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const maxBase = 1 << 20
	const maxSize = 2048

	for j := 0; j < 50; j++ {
		base := uint64(rng.Intn(maxBase)) + 1
		size := uint64(rng.Intn(maxSize)) + 1
		tr := New[int]()
		tr.InsertUnaligned(base, size, 2)

		lo := uint64(0)
		if base > 4096 {
			lo = base - 4096
		}
		for i := lo; i < base; i++ {
			if p := tr.Find(i); p != nil {
				t.Fatalf("iter %d: Find(%#x) = %d below range [%#x,+%d)", j, i, *p, base, size)
			}
		}
		for i := uint64(0); i < size; i++ {
			if p := tr.Find(base + i); p == nil || *p != 2 {
				t.Fatalf("iter %d: Find(%#x) = %v inside range [%#x,+%d)", j, base+i, p, base, size)
			}
		}
		for i := base + size; i < base+size+4096; i++ {
			if p := tr.Find(i); p != nil {
				t.Fatalf("iter %d: Find(%#x) = %d above range [%#x,+%d)", j, i, *p, base, size)
			}
		}
	}
}

func TestInsertUnalignedMulti(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const maxSize = 16

	toFind := map[uint64]int{}
	tr := New[int]()

	base := uint64(10)
	for j := 0; j < 100; j++ {
		base += uint64(rng.Intn(maxSize)) + 1
		size := uint64(rng.Intn(maxSize)) + 1
		tr.InsertUnaligned(base, size, int(size))
		for k := base; k < base+size; k++ {
			toFind[k] = int(size)
		}
		base += size
	}

	for i := uint64(0); i < base+maxSize; i++ {
		p := tr.Find(i)
		if want, ok := toFind[i]; ok {
			if p == nil || *p != want {
				t.Fatalf("Find(%#x) = %v, want %d", i, p, want)
			}
		} else if p != nil {
			t.Fatalf("Find(%#x) = %d, want nil", i, *p)
		}
	}
}

func TestErase(t *testing.T) {
	tr := New[int]()
	tr.Insert(0x2, 1, 2)

	tr.Erase(0x2)
	if p := tr.Find(0x2); p != nil {
		t.Fatalf("Find(0x2) after erase = %d, want nil", *p)
	}
}

func TestInsertEraseUnaligned(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const maxBase = 1 << 20
	const maxSize = 2048

	for j := 0; j < 50; j++ {
		base := uint64(rng.Intn(maxBase)) + 1
		size := uint64(rng.Intn(maxSize)) + 1
		tr := New[int]()
		tr.InsertUnaligned(base, size, 2)
		tr.EraseUnaligned(base, size)

		lo := uint64(0)
		if base > 4096 {
			lo = base - 4096
		}
		for i := lo; i < base+size+4096; i++ {
			if p := tr.Find(i); p != nil {
				t.Fatalf("iter %d: Find(%#x) = %d after erase of [%#x,+%d)", j, i, *p, base, size)
			}
		}
	}
}

func TestInsertReportsOverlap(t *testing.T) {
	tr := New[int]()
	if tr.InsertUnaligned(0x10, 8, 1) {
		t.Fatal("fresh insert reported overlap")
	}
	if !tr.InsertUnaligned(0x12, 2, 2) {
		t.Fatal("overlapping insert reported no overlap")
	}
}
