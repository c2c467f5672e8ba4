package conn

import (
	"sync"

	"github.com/agentmesh/mesh-go/pkg/wire"
)

// reply carries either a correlated inbound frame or the rejection error.
type reply struct {
	frame *wire.Frame
	err   error
}

// pendingTable correlates request ids with their waiting callers. Each
// entry's channel is buffered so resolvers never block.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]chan reply
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]chan reply)}
}

func (p *pendingTable) add(id string) <-chan reply {
	ch := make(chan reply, 1)
	p.mu.Lock()
	p.m[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers frame to the waiter registered under its id. Reports
// whether a waiter existed.
func (p *pendingTable) resolve(id string, frame *wire.Frame) bool {
	p.mu.Lock()
	ch, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply{frame: frame}
	return true
}

func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.m, id)
	p.mu.Unlock()
}

// rejectAll fails every waiter with err and empties the table.
func (p *pendingTable) rejectAll(err error) {
	p.mu.Lock()
	entries := p.m
	p.m = make(map[string]chan reply)
	p.mu.Unlock()
	for _, ch := range entries {
		ch <- reply{err: err}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
