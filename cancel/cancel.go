// Package cancel implements the process-wide cooperative cancellation
// registry the core polls during long scans: hex dumps, searches, and
// finds. Tokens register themselves in a package-level set on creation and
// remove themselves on Release, so a broadcast cancellation is safe even
// while a scan is mid-flight, the same register/deregister-by-scope
// discipline memtap's ancestor used for its linked event list.
package cancel

import (
	"sync"
	"sync/atomic"
)

var (
	mu      sync.RWMutex
	tokens  = map[*Token]struct{}{}
	nextSeq uint64
)

// Token is a single cooperative cancellation flag. Callers poll
// IsCancelled at coarse intervals (once per region, once per inner-loop
// chunk) and must call Release when the guarded operation finishes,
// typically via defer.
type Token struct {
	seq       uint64
	cancelled atomic.Bool
}

// Register allocates and records a new Token. The caller must call Release
// when the guarded operation completes.
func Register() *Token {
	mu.Lock()
	defer mu.Unlock()
	nextSeq++
	t := &Token{seq: nextSeq}
	tokens[t] = struct{}{}
	return t
}

// Release deregisters the token. It is idempotent.
func (t *Token) Release() {
	mu.Lock()
	defer mu.Unlock()
	delete(tokens, t)
}

// IsCancelled reports whether this token has been cancelled, individually
// or via CancelAll.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Cancel marks this single token cancelled.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// CancelAll marks every currently registered token cancelled. This is the
// broadcast a signal handler wires to SIGINT: every active cooperative
// operation observes cancellation at its next poll point. Cancellation is
// idempotent and non-fatal — it never removes a token from the registry by
// itself, only Release (the operation's own cleanup) does that.
func CancelAll() {
	mu.RLock()
	defer mu.RUnlock()
	for t := range tokens {
		t.Cancel()
	}
}

// Count returns the number of currently registered (live) tokens. Exposed
// for tests and diagnostics.
func Count() int {
	mu.RLock()
	defer mu.RUnlock()
	return len(tokens)
}
