package tlocal

import (
	"runtime"
	"sync"
	"testing"
)

func TestSetGetClearSameThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tbl := New()
	if v := tbl.Get(); v != nil {
		t.Fatalf("Get on empty table = %v, want nil", v)
	}
	tbl.Set(42)
	if v := tbl.Get(); v != 42 {
		t.Fatalf("Get = %v, want 42", v)
	}
	tbl.Clear()
	if v := tbl.Get(); v != nil {
		t.Fatalf("Get after Clear = %v, want nil", v)
	}
}

func TestSlotReuseAfterClear(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tbl := New()
	tbl.Set("a")
	tbl.Clear()
	tbl.Set("b")
	if v := tbl.Get(); v != "b" {
		t.Fatalf("Get = %v, want b", v)
	}
}

func TestConcurrentThreadsDoNotSeeEachOthersValue(t *testing.T) {
	tbl := New()
	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer tbl.Clear()
			tbl.Set(i)
			for j := 0; j < 100; j++ {
				if v := tbl.Get(); v != i {
					t.Errorf("thread %d observed %v", i, v)
					return
				}
			}
		}()
	}
	wg.Wait()
}
