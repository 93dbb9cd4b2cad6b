// ABOUTME: Table of in-flight remote calls awaiting correlated responses.
// ABOUTME: Removal from the table is the single linearization point for resolution.

package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// callOutcome is the terminal state of a pending request.
type callOutcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one outstanding execute_tool call. Exactly one of
// {matching result, timeout fire, owning-connection close} resolves it:
// whichever path removes the entry from the table delivers the outcome, and
// every later path observes the entry absent and does nothing.
type pendingRequest struct {
	id        string
	connID    string
	createdAt time.Time
	timer     *time.Timer
	done      chan callOutcome
}

// resolve delivers the outcome to the waiting caller. Only the goroutine
// that removed the entry from the table may call this, so the buffered
// channel is written at most once.
func (p *pendingRequest) resolve(result json.RawMessage, err error) {
	p.done <- callOutcome{result: result, err: err}
}

// PendingTable holds every in-flight remote call, keyed by request id.
type PendingTable struct {
	mu   sync.Mutex
	reqs map[string]*pendingRequest
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{reqs: make(map[string]*pendingRequest)}
}

// Insert registers a new pending request. The entry must exist before the
// request message is sent, so a reply can never arrive ahead of it.
func (t *PendingTable) Insert(id, connID string) *pendingRequest {
	p := &pendingRequest{
		id:        id,
		connID:    connID,
		createdAt: time.Now(),
		done:      make(chan callOutcome, 1),
	}
	t.mu.Lock()
	t.reqs[id] = p
	t.mu.Unlock()
	return p
}

// Arm attaches the timeout timer to an entry that is still live. A no-op if
// the entry was already resolved (a reply can legally arrive between Insert
// and Arm).
func (t *PendingTable) Arm(id string, d time.Duration, onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.reqs[id]
	if !ok {
		return
	}
	p.timer = time.AfterFunc(d, onTimeout)
}

// Remove takes an entry out of the table, stopping its timer. Returns nil
// if the entry was already removed; callers must treat that as "someone
// else resolved it" and do nothing.
func (t *PendingTable) Remove(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.reqs[id]
	if !ok {
		return nil
	}
	delete(t.reqs, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// RemoveOwned takes out every entry owned by the given connection. Used
// when a connection closes while calls are outstanding.
func (t *PendingTable) RemoveOwned(connID string) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pendingRequest
	for id, p := range t.reqs {
		if p.connID != connID {
			continue
		}
		delete(t.reqs, id)
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
	}
	return out
}

// RemoveAll empties the table, returning every entry. Used at shutdown.
func (t *PendingTable) RemoveAll() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingRequest, 0, len(t.reqs))
	for id, p := range t.reqs {
		delete(t.reqs, id)
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
	}
	return out
}

// Len returns the number of in-flight calls.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reqs)
}
