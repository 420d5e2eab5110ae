// Package pending tracks in-flight public HTTP requests that have been
// relayed to a tunnel client and are awaiting a Response, per spec.md §4.4.
package pending

import (
	"sync"

	"github.com/rishikesh-suvarna/tunl.cc/internal/domain"
	"github.com/rishikesh-suvarna/tunl.cc/internal/tunnelproto"
)

// entry holds the one place a Response, a timeout, or a cancellation can
// be delivered for a given request ID. Exactly one of resolve/timeout/
// cancel ever fires for a given Add — the table removes the entry before
// acting on it, so a second caller racing on the same ID finds nothing
// to act on.
type entry struct {
	responder chan<- tunnelproto.Response
	meta      domain.PendingMeta
}

// Table is the request-id -> waiting-responder map. It is safe for
// concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Add registers requestID as in-flight, delivering the eventual Response
// on responder if Resolve is called. Timeout and Cancel deliver nothing on
// responder; the caller learns of them from their bool return. Callers
// must not Add the same requestID twice concurrently.
func (t *Table) Add(requestID string, responder chan<- tunnelproto.Response, meta domain.PendingMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[requestID] = &entry{responder: responder, meta: meta}
}

// Resolve delivers resp to the waiter registered under resp.RequestID and
// removes the entry. It reports false if no entry was found — the
// request already timed out, was canceled, or was never added.
func (t *Table) Resolve(resp tunnelproto.Response) bool {
	e := t.remove(resp.RequestID)
	if e == nil {
		return false
	}
	e.responder <- resp
	return true
}

// Timeout removes the entry for requestID, reporting false if it was
// already resolved or canceled. It does not itself write to the
// responder channel; the caller's timeout-waiting goroutine already owns
// that decision and is expected to act on the false/true return directly.
func (t *Table) Timeout(requestID string) bool {
	return t.remove(requestID) != nil
}

// Cancel removes the entry for requestID without delivering anything,
// reporting whether an entry was present.
func (t *Table) Cancel(requestID string) bool {
	return t.remove(requestID) != nil
}

// Lookup returns the metadata recorded at Add time, if the request is
// still pending.
func (t *Table) Lookup(requestID string) (domain.PendingMeta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	if !ok {
		return domain.PendingMeta{}, false
	}
	return e.meta, true
}

// Len reports the number of in-flight requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) remove(requestID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	if !ok {
		return nil
	}
	delete(t.entries, requestID)
	return e
}
