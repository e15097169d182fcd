package corevault

import (
	"time"

	"github.com/sandtable/corevault/internal/courier"
)

// Outcome is what a fallback (Fetch) or updater (GetAndUpdate)
// function returns: either Commit (write the value) or Ignore (don't),
// per spec §4.4 and §4.7.
type Outcome = courier.Outcome

// Commit builds a committing Outcome using the cache's default TTL.
func Commit(value any) Outcome { return courier.CommitValue(value) }

// CommitExpire builds a committing Outcome carrying a per-call TTL
// override, per spec §4.4 point 6's "opts carried in the return".
func CommitExpire(value any, expire time.Duration) Outcome {
	return courier.CommitValueWithExpire(value, expire.Milliseconds())
}

// Ignore builds a non-committing Outcome.
func Ignore(value any) Outcome { return courier.IgnoreValue(value) }

// Tag identifies how a Fetch/GetAndUpdate caller should interpret its
// result, per spec §4.4 point 8.
type Tag = courier.Tag

const (
	TagCommit = courier.Commit
	TagIgnore = courier.Ignore
	TagOK     = courier.OK
	TagError  = courier.Error
)

// FetchOutcome is the Result payload Fetch's post-hook dispatch
// carries, so external hooks (e.g. hooks/promstats) can distinguish a
// cache hit from a coalesced miss without depending on internal/courier.
type FetchOutcome struct {
	Tag   Tag
	Value any
}
