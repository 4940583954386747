package endpoint

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistryEmpty(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	set, ok := r.Current()
	if ok {
		t.Error("expected no snapshot before first publish")
	}
	if set != nil {
		t.Errorf("expected nil set before first publish, got %v", set)
	}
}

func TestRegistryReplaces(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	first := Set{{Name: "notebook", Host: "h1", Port: 9999}}
	second := Set{{Name: "ps-0", Host: "h3", Port: 2222}}

	r.Publish(first)
	got, ok := r.Current()
	if !ok || !got.Equal(first) {
		t.Fatalf("Current() = %v, %v; want first snapshot", got, ok)
	}

	// A new delivery replaces the old snapshot outright; the notebook
	// entry from the first batch must not survive.
	r.Publish(second)
	got, ok = r.Current()
	if !ok || !got.Equal(second) {
		t.Fatalf("Current() = %v, %v; want second snapshot", got, ok)
	}
	if _, found := got.Lookup("notebook"); found {
		t.Error("stale endpoint visible after replacement")
	}

	// An empty snapshot is still a snapshot.
	r.Publish(Set{})
	got, ok = r.Current()
	if !ok {
		t.Fatal("empty snapshot should report as published")
	}
	if len(got) != 0 {
		t.Errorf("expected empty snapshot, got %v", got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	const writers = 4
	const iterations = 250

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				// Every endpoint in one snapshot carries the same host so
				// readers can detect a torn snapshot.
				host := fmt.Sprintf("w%d-i%d", w, i)
				r.Publish(Set{
					{Name: "notebook", Host: host, Port: 9999},
					{Name: "ps-0", Host: host, Port: 2222},
				})
			}
		}(w)
	}

	var rg sync.WaitGroup
	for g := 0; g < 2; g++ {
		rg.Add(1)
		go func() {
			defer rg.Done()
			for i := 0; i < iterations*writers; i++ {
				set, ok := r.Current()
				if !ok {
					continue
				}
				if len(set) != 2 {
					t.Errorf("torn snapshot: %v", set)
					return
				}
				if set[0].Host != set[1].Host {
					t.Errorf("torn snapshot: mixed hosts %q vs %q", set[0].Host, set[1].Host)
					return
				}
			}
		}()
	}

	wg.Wait()
	rg.Wait()

	// After all writers finish, the registry holds whichever snapshot
	// was stored last; it must be complete.
	set, ok := r.Current()
	if !ok || len(set) != 2 {
		t.Fatalf("final snapshot incomplete: %v, %v", set, ok)
	}
}

func TestRegistryLastWriteWins(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	for i := 1; i <= 100; i++ {
		r.Publish(Set{{Name: "notebook", Host: fmt.Sprintf("h%d", i), Port: 9999}})
	}

	set, ok := r.Current()
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if set[0].Host != "h100" {
		t.Errorf("Current() returned %q, want the most recent publish h100", set[0].Host)
	}
}
