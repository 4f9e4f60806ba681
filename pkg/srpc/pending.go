package srpc

import "sync"

// pendingReply is the resolution of one outstanding request.
type pendingReply struct {
	payload []byte
	err     error
}

// pendingTable tracks outstanding requests awaiting replies, keyed by
// request id. Resolution is single-shot: the entry is removed before its
// waiter is signalled, so a late duplicate reply is a no-op.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]chan pendingReply
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]chan pendingReply)}
}

// register creates the waiter channel for a request id. The channel is
// buffered so the read loop never blocks resolving it.
func (p *pendingTable) register(requestID string) chan pendingReply {
	ch := make(chan pendingReply, 1)
	p.mu.Lock()
	p.m[requestID] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers a reply to the waiter for requestID, if it is still
// registered. Returns false for unmatched (already resolved or timed out)
// request ids.
func (p *pendingTable) resolve(requestID string, r pendingReply) bool {
	p.mu.Lock()
	ch, ok := p.m[requestID]
	if ok {
		delete(p.m, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- r
	return true
}

// remove drops a waiter without signalling it (timeout and send-failure
// paths).
func (p *pendingTable) remove(requestID string) {
	p.mu.Lock()
	delete(p.m, requestID)
	p.mu.Unlock()
}

// failAll rejects every outstanding request with err and clears the table.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	waiting := p.m
	p.m = make(map[string]chan pendingReply)
	p.mu.Unlock()
	for _, ch := range waiting {
		ch <- pendingReply{err: err}
	}
}

// count returns the number of outstanding requests.
func (p *pendingTable) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
