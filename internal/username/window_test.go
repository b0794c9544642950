package username_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/voxmod/internal/username"
)

func TestWindow_AddLowercasesAndDeduplicates(t *testing.T) {
	t.Parallel()
	w := username.NewWindow(5)

	if !w.Add("TestUser123") {
		t.Fatal("first Add should report a new name")
	}
	if w.Add("  testuser123 ") {
		t.Error("duplicate Add should report false")
	}
	if w.Add("") {
		t.Error("empty name should be ignored")
	}
	if got := w.Snapshot(); len(got) != 1 || got[0] != "testuser123" {
		t.Errorf("Snapshot() = %v", got)
	}
	if !w.Contains("TESTUSER123") {
		t.Error("Contains should be case-insensitive")
	}
}

func TestWindow_DuplicateDoesNotPromote(t *testing.T) {
	t.Parallel()
	w := username.NewWindow(3)
	w.Add("a")
	w.Add("b")
	w.Add("a")
	w.Add("c")
	w.Add("d") // evicts "a", the oldest by first-seen order

	got := fmt.Sprint(w.Snapshot())
	if got != "[b c d]" {
		t.Errorf("Snapshot() = %s, want [b c d]", got)
	}
}

func TestWindow_EvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()
	w := username.NewWindow(username.DefaultCapacity)
	for i := range 50 {
		w.Add(fmt.Sprintf("user%02d", i))
	}
	if w.Len() != 50 {
		t.Fatalf("Len() = %d, want 50", w.Len())
	}

	w.Add("newcomer")

	snap := w.Snapshot()
	if len(snap) != 50 {
		t.Fatalf("len = %d, want 50", len(snap))
	}
	if snap[0] != "user01" {
		t.Errorf("oldest = %q, want user01", snap[0])
	}
	if snap[49] != "newcomer" {
		t.Errorf("newest = %q, want newcomer", snap[49])
	}
	if w.Contains("user00") {
		t.Error("user00 should have been evicted")
	}
}

func TestWindow_NeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	w := username.NewWindow(7)
	for i := range 1000 {
		w.Add(fmt.Sprintf("u%d", i%23))
		if w.Len() > 7 {
			t.Fatalf("Len() = %d after %d adds", w.Len(), i+1)
		}
	}
}

func TestWindow_DefaultCapacity(t *testing.T) {
	t.Parallel()
	if got := username.NewWindow(0).Capacity(); got != username.DefaultCapacity {
		t.Errorf("Capacity() = %d, want %d", got, username.DefaultCapacity)
	}
}

func TestWindow_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	w := username.NewWindow(10)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				w.Add(fmt.Sprintf("g%d_%d", g, i))
				_ = w.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := w.Snapshot()
	if len(snap) != 10 {
		t.Fatalf("len = %d, want 10", len(snap))
	}
	seen := map[string]bool{}
	for _, n := range snap {
		if seen[n] {
			t.Errorf("duplicate %q in window", n)
		}
		seen[n] = true
	}
	entries := w.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i].FirstSeenAt.Before(entries[i-1].FirstSeenAt) {
			t.Errorf("entries out of first-seen order at %d", i)
		}
	}
}
