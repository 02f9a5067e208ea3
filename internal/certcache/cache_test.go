package certcache

import (
	"sync"
	"testing"
)

func TestGetMiss(t *testing.T) {
	c := New[string, int](nil, nil)
	if _, ok := c.Get("missing"); ok {
		t.Error("Get() on empty cache should miss")
	}
}

func TestSetGet(t *testing.T) {
	c := New[string, int](nil, nil)
	c.Set("a", 1)

	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(\"a\") = (%d, %v), want (1, true)", v, ok)
	}
}

func TestSetOverwriteReleasesOld(t *testing.T) {
	var released []int
	c := New[string, int](func(v int) { released = append(released, v) }, nil)

	c.Set("a", 1)
	c.Set("a", 2)

	if len(released) != 1 || released[0] != 1 {
		t.Errorf("released = %v, want [1]", released)
	}
	v, _ := c.Get("a")
	if v != 2 {
		t.Errorf("Get(\"a\") = %d, want 2", v)
	}
}

func TestDel(t *testing.T) {
	var released []int
	c := New[string, int](func(v int) { released = append(released, v) }, nil)
	c.Set("a", 1)
	c.Del("a")

	if _, ok := c.Get("a"); ok {
		t.Error("Get() should miss after Del")
	}
	if len(released) != 1 || released[0] != 1 {
		t.Errorf("released = %v, want [1]", released)
	}
}

func TestGetEvictsFailedVerify(t *testing.T) {
	var released []int
	verifyCalls := 0
	c := New[string, int](
		func(v int) { released = append(released, v) },
		func(v int, forRetain bool) (int, bool) {
			verifyCalls++
			return v, v != 99
		},
	)
	c.Set("stale", 99)

	if _, ok := c.Get("stale"); ok {
		t.Error("Get() should miss when Verify rejects the value")
	}
	if len(released) != 1 || released[0] != 99 {
		t.Errorf("released = %v, want [99]", released)
	}

	// Second Get is a clean miss without calling Verify again (entry gone).
	callsAfterFirstGet := verifyCalls
	if _, ok := c.Get("stale"); ok {
		t.Error("second Get() should still miss")
	}
	if verifyCalls != callsAfterFirstGet {
		t.Error("Verify should not be called again for an already-deleted key")
	}
}

func TestGC(t *testing.T) {
	c := New[string, int](nil, func(v int, _ bool) (int, bool) {
		return v, v%2 == 0
	})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)

	evicted := c.GC()
	if evicted != 2 {
		t.Errorf("GC() evicted = %d, want 2", evicted)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("odd entry 'a' should have been evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("even entry 'b' should have survived GC")
	}
}

func TestClose(t *testing.T) {
	var released []int
	c := New[string, int](func(v int) { released = append(released, v) }, nil)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Close()

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Close", c.Len())
	}
	if len(released) != 2 {
		t.Errorf("released %d entries, want 2", len(released))
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](nil, nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set(i, i)
			c.Get(i)
			c.GC()
			c.Del(i)
		}(i)
	}
	wg.Wait()
}
