package corevault

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandtable/corevault/internal/hook"
)

// TestScenarioPutGetDel covers put/get/del round-tripping an absent
// key afterwards.
func TestScenarioPutGetDel(t *testing.T) {
	c, err := Start(WithName("scenario-put-get-del"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer Stop(c)
	ctx := context.Background()

	if _, err := c.Put(ctx, "k", "v", Opts{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, found, err := c.Get(ctx, "k")
	if err != nil || !found || v != "v" {
		t.Fatalf("Get after Put = (%v, %v, %v), want (v, true, nil)", v, found, err)
	}
	if _, err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, found, _ := c.Get(ctx, "k"); found {
		t.Fatalf("Get after Del found = true, want false")
	}
}

// TestScenarioExpiryBroadcastsPurge covers a short-lived entry
// expiring and the Janitor broadcasting a purge notification for it.
func TestScenarioExpiryBroadcastsPurge(t *testing.T) {
	var purged int32
	purgeHook := &hook.Func{
		HookName: "purge-watcher",
		HookKind: hook.Post,
		All:      true,
		Fn: func(ctx context.Context, a hook.Action) error {
			if a.Name != "purge" {
				return nil
			}
			if n, ok := a.Result.(int); ok {
				atomic.AddInt32(&purged, int32(n))
			}
			return nil
		},
	}

	c, err := Start(
		WithName("scenario-expiry-purge"),
		WithJanitorInterval(2*time.Millisecond),
		WithHook(purgeHook),
	)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer Stop(c)
	ctx := context.Background()

	if _, err := c.Put(ctx, "k", 1, Opts{}.WithExpire(time.Millisecond)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if found, err := c.Exists(ctx, "k"); err != nil || found {
		t.Fatalf("Exists after expiry = (%v, %v), want (false, nil)", found, err)
	}
	if atomic.LoadInt32(&purged) < 1 {
		t.Fatalf("purge notifications = %d, want >= 1", purged)
	}
}

// TestScenarioExpireAtMatchesTTL covers expire_at followed by a TTL
// read landing within the expected tolerance window.
func TestScenarioExpireAtMatchesTTL(t *testing.T) {
	c, err := Start(WithName("scenario-expire-at"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer Stop(c)
	ctx := context.Background()

	if _, err := c.Put(ctx, 2, 2, Opts{}.WithExpire(10*time.Millisecond)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := c.ExpireAt(ctx, 2, time.Now().Add(10*time.Second)); err != nil {
		t.Fatalf("ExpireAt: %v", err)
	}
	ttl, found, ok, err := c.TTL(2)
	if err != nil || !found || !ok {
		t.Fatalf("TTL = (%v, %v, %v, %v)", ttl, found, ok, err)
	}
	if ttl < 9975*time.Millisecond || ttl > 10025*time.Millisecond {
		t.Fatalf("TTL = %v, want within [9975ms, 10025ms]", ttl)
	}
}

// TestScenarioFetchCoalescesConcurrentMisses covers 1000 concurrent
// fetch calls against one missing key: the fallback runs exactly once.
func TestScenarioFetchCoalescesConcurrentMisses(t *testing.T) {
	c, err := Start(WithName("scenario-fetch-coalesce"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer Stop(c)
	ctx := context.Background()

	const n = 1000
	var wg sync.WaitGroup
	values := make([]any, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, v, err := c.Fetch(ctx, "k", func() (Outcome, error) {
				if _, err := c.Incr(ctx, "k_count", 1, Opts{}); err != nil {
					return Outcome{}, err
				}
				return Commit("v"), nil
			})
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			values[i] = v
		}(i)
	}
	wg.Wait()

	count, found, err := c.Get(ctx, "k_count")
	if err != nil || !found || count != int64(1) {
		t.Fatalf("k_count = (%v, %v, %v), want (1, true, nil)", count, found, err)
	}
	for i, v := range values {
		if v != "v" {
			t.Fatalf("caller %d observed %v, want \"v\"", i, v)
		}
	}
}

// TestScenarioInvokeCustomCommand covers a custom :lpop-style write
// command popping the head off a stored slice.
func TestScenarioInvokeCustomCommand(t *testing.T) {
	lpop := Command{
		Kind: CommandWrite,
		WriteFn: func(value any) (result any, newValue any) {
			xs := value.([]int)
			return xs[0], xs[1:]
		},
	}
	c, err := Start(WithName("scenario-invoke-lpop"), WithCommand("lpop", lpop))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer Stop(c)
	ctx := context.Background()

	if _, err := c.Put(ctx, "k", []int{1, 2, 3, 4}, Opts{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	head, err := c.Invoke(ctx, "lpop", "k", Opts{})
	if err != nil || head != 1 {
		t.Fatalf("Invoke(lpop) = (%v, %v), want (1, nil)", head, err)
	}
	tail, found, err := c.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get after lpop: (%v, %v, %v)", tail, found, err)
	}
	rest := tail.([]int)
	if len(rest) != 3 || rest[0] != 2 || rest[1] != 3 || rest[2] != 4 {
		t.Fatalf("tail = %v, want [2 3 4]", rest)
	}
}

// TestScenarioTransactionSerializesConcurrentIncr covers a transaction
// holding "k" locked for 50ms while incr(k) issued concurrently from
// outside the transaction: the outside call must complete after the
// transaction does, and the final value reflects both increments.
func TestScenarioTransactionSerializesConcurrentIncr(t *testing.T) {
	c, err := Start(WithName("scenario-tx-serializes"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer Stop(c)
	ctx := context.Background()

	var txDone, outsideDone atomic.Bool
	var outsideStarted sync.WaitGroup
	outsideStarted.Add(1)

	go func() {
		_, err := c.Transaction(ctx, []any{"k"}, func(ctx context.Context) (any, error) {
			outsideStarted.Done()
			time.Sleep(50 * time.Millisecond)
			return c.Incr(ctx, "k", 1, Opts{})
		})
		if err != nil {
			t.Errorf("Transaction: %v", err)
		}
		txDone.Store(true)
	}()

	outsideStarted.Wait()
	time.Sleep(5 * time.Millisecond) // let the transaction take the lock first
	if _, err := c.Incr(ctx, "k", 1, Opts{}); err != nil {
		t.Fatalf("outside Incr: %v", err)
	}
	outsideDone.Store(true)

	if !txDone.Load() {
		t.Fatalf("outside Incr returned before the transaction finished")
	}

	final, found, err := c.Get(ctx, "k")
	if err != nil || !found || final != int64(2) {
		t.Fatalf("final k = (%v, %v, %v), want (2, true, nil)", final, found, err)
	}
}
