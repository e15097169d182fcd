package store

import (
	"sync"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	s := New(false, nil)
	s.Write(Entry{Key: "k", Value: "v", Modified: 1})
	e, ok := s.Read("k")
	if !ok || e.Value != "v" {
		t.Fatalf("Read() = %+v, %v, want v, true", e, ok)
	}
}

func TestLazyExpiryDeletesExpiredOnRead(t *testing.T) {
	now := int64(1000)
	clock := func() int64 { return now }
	s := New(true, clock)
	s.Write(Entry{Key: "k", Value: "v", Modified: 900, Expiration: 500})

	if _, ok := s.Read("k"); !ok {
		t.Fatal("expected entry to still be live before expiry")
	}
	now = 2000
	if _, ok := s.Read("k"); ok {
		t.Fatal("expected lazy expiry to hide the expired entry")
	}
	if s.Size(true, now) != 0 {
		t.Fatal("expected lazy expiry to have deleted the entry")
	}
}

func TestLazyExpiryPreservesRacingWrite(t *testing.T) {
	now := int64(1000)
	clock := func() int64 { return now }
	s := New(true, clock)
	s.Write(Entry{Key: "k", Value: "old", Modified: 0, Expiration: 10})

	sh := s.shardFor("k")
	// Simulate a writer replacing the entry between the RLock read and
	// the lazy-delete's Lock, by writing fresh data with a later
	// Modified stamp before deleteIfUnchanged runs.
	old, _ := s.Read("k")
	_ = old
	s.Write(Entry{Key: "k", Value: "new", Modified: 900})
	s.deleteIfUnchanged(sh, "k", 0)

	e, ok := s.Read("k")
	if !ok || e.Value != "new" {
		t.Fatalf("expected racing write to survive stale lazy-delete, got %+v, %v", e, ok)
	}
}

func TestMutateOnlyIfPresent(t *testing.T) {
	s := New(false, nil)
	if s.Mutate("missing", func(e *Entry) bool { return true }) {
		t.Fatal("Mutate on missing key should report false")
	}
	s.Write(Entry{Key: "k", Value: 1})
	ok := s.Mutate("k", func(e *Entry) bool {
		e.Value = e.Value.(int) + 1
		return true
	})
	if !ok {
		t.Fatal("Mutate on present key should report true")
	}
	e, _ := s.Read("k")
	if e.Value != 2 {
		t.Fatalf("Value = %v, want 2", e.Value)
	}
}

func TestMutateAbortDoesNotWrite(t *testing.T) {
	s := New(false, nil)
	s.Write(Entry{Key: "k", Value: 1, Modified: 5})
	s.Mutate("k", func(e *Entry) bool {
		e.Value = 999
		return false
	})
	e, _ := s.Read("k")
	if e.Value != 1 {
		t.Fatalf("Value = %v, want unchanged 1", e.Value)
	}
}

func TestClearReturnsPreClearSize(t *testing.T) {
	s := New(false, nil)
	for i := 0; i < 5; i++ {
		s.Write(Entry{Key: i, Value: i})
	}
	n := s.Clear()
	if n != 5 {
		t.Fatalf("Clear() = %d, want 5", n)
	}
	if s.Size(true, 0) != 0 {
		t.Fatal("expected store empty after Clear")
	}
}

func TestSizeExcludesExpiredWhenRequested(t *testing.T) {
	now := int64(1000)
	s := New(false, nil)
	s.Write(Entry{Key: "live", Value: 1, Modified: 900, Expiration: 1000})
	s.Write(Entry{Key: "dead", Value: 2, Modified: 0, Expiration: 10})

	if got := s.Size(true, now); got != 2 {
		t.Fatalf("Size(includeExpired=true) = %d, want 2", got)
	}
	if got := s.Size(false, now); got != 1 {
		t.Fatalf("Size(includeExpired=false) = %d, want 1", got)
	}
}

func TestStreamDoesNotCrashOnConcurrentMutation(t *testing.T) {
	s := New(false, nil)
	for i := 0; i < 200; i++ {
		s.Write(Entry{Key: i, Value: i})
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Write(Entry{Key: i, Value: i + 1})
			s.Delete(i)
		}
	}()

	count := 0
	for range Stream(s, nil, func(e Entry) Entry { return e }) {
		count++
	}
	wg.Wait()
}

func TestSelectExpiredAndDeleteMany(t *testing.T) {
	now := int64(1000)
	s := New(false, nil)
	s.Write(Entry{Key: "a", Modified: 0, Expiration: 10})
	s.Write(Entry{Key: "b", Modified: 900, Expiration: 1000})

	expired := s.SelectExpired(now)
	if len(expired) != 1 || expired[0] != "a" {
		t.Fatalf("SelectExpired() = %v, want [a]", expired)
	}
	if n := s.DeleteMany(expired); n != 1 {
		t.Fatalf("DeleteMany() = %d, want 1", n)
	}
	if _, ok := s.Read("a"); ok {
		t.Fatal("expected a to be deleted")
	}
}
