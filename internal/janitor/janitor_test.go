package janitor

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandtable/corevault/internal/store"
)

func TestDisabledJanitorReportsError(t *testing.T) {
	st := store.New(false, nil)
	j := New(st, 0, nil, nil, zerolog.Nop())
	j.Start()
	defer j.Stop()

	if _, err := j.LastRun(); !errors.Is(err, ErrDisabled) {
		t.Fatalf("LastRun() err = %v, want ErrDisabled", err)
	}
}

func TestPurgeDeletesExpiredAndNotifies(t *testing.T) {
	now := int64(1000)
	clock := func() int64 { return now }
	st := store.New(false, clock)
	st.Write(store.Entry{Key: "expired", Modified: 0, Expiration: 10})
	st.Write(store.Entry{Key: "live", Modified: 900, Expiration: 1000})

	var notified int
	j := New(st, time.Hour, clock, func(count int) { notified = count }, zerolog.Nop())

	snap := j.Purge()
	if snap.Count != 1 {
		t.Fatalf("Purge().Count = %d, want 1", snap.Count)
	}
	if notified != 1 {
		t.Fatalf("notify callback count = %d, want 1", notified)
	}
	if st.Size(true, now) != 1 {
		t.Fatal("expected exactly one surviving entry")
	}

	last, err := j.LastRun()
	if err != nil {
		t.Fatalf("LastRun() err = %v", err)
	}
	if last.Count != 1 {
		t.Fatalf("LastRun().Count = %d, want 1", last.Count)
	}
}

func TestScheduledPurgeRuns(t *testing.T) {
	now := int64(1000)
	clock := func() int64 { return now }
	st := store.New(false, clock)
	st.Write(store.Entry{Key: "expired", Modified: 0, Expiration: 10})

	done := make(chan int, 1)
	j := New(st, 10*time.Millisecond, clock, func(count int) { done <- count }, zerolog.Nop())
	j.Start()
	defer j.Stop()

	select {
	case count := <-done:
		if count != 1 {
			t.Fatalf("scheduled purge notified count = %d, want 1", count)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled purge never ran")
	}
}
