package registry

import "errors"

// ErrNoCache is returned by Update when name has no registered
// record. The root package maps this onto its own ErrNoCache sentinel
// at the public API boundary.
var ErrNoCache = errors.New("registry: no such cache")
