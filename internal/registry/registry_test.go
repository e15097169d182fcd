package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	name  string
	calls int
}

func TestRegisterRetrieveUnregister(t *testing.T) {
	o := NewOverseer[fakeRecord]()
	assert.False(t, o.Known("c"))

	o.Register("c", fakeRecord{name: "c"})
	assert.True(t, o.Known("c"))

	rec, ok := o.Retrieve("c")
	require.True(t, ok)
	assert.Equal(t, "c", rec.name)

	o.Unregister("c")
	assert.False(t, o.Known("c"))
}

func TestUpdateMissingCacheReturnsError(t *testing.T) {
	o := NewOverseer[fakeRecord]()
	_, err := o.Update("missing", func(r fakeRecord) fakeRecord { return r })
	assert.True(t, errors.Is(err, ErrNoCache))
}

func TestUpdateAppliesFnAndNotifiesCallback(t *testing.T) {
	o := NewOverseer[fakeRecord]()
	o.Register("c", fakeRecord{name: "c"})

	var notifiedName string
	var notifiedCalls int
	o.OnUpdate(func(name string, rec fakeRecord) {
		notifiedName = name
		notifiedCalls = rec.calls
	})

	next, err := o.Update("c", func(r fakeRecord) fakeRecord {
		r.calls++
		return r
	})
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, "c", notifiedName)
	assert.Equal(t, 1, notifiedCalls)
}

func TestUpdateSerializesConcurrentCallers(t *testing.T) {
	o := NewOverseer[fakeRecord]()
	o.Register("c", fakeRecord{})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Update("c", func(r fakeRecord) fakeRecord {
				r.calls++
				return r
			})
		}()
	}
	wg.Wait()

	rec, _ := o.Retrieve("c")
	assert.Equal(t, n, rec.calls, "serialized updates must not lose increments")
}
