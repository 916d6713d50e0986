package adapter

import (
	"context"
	"sync"

	"github.com/BaSui01/agentlink/types"
)

type reply struct {
	data []byte
	err  error
}

// pending correlates replies on multiplexed streams (WebSocket, TCP, gRPC
// stream) with the request that is waiting for them.
type pending struct {
	mu      sync.Mutex
	waiters map[string]chan reply
	err     error // set once the stream is gone
}

func newPending() *pending {
	return &pending{waiters: make(map[string]chan reply)}
}

// add registers a waiter for id. A second waiter for an id still outstanding
// is rejected.
func (p *pending) add(id string) (<-chan reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if _, ok := p.waiters[id]; ok {
		return nil, types.ProtocolError(types.CodeDuplicateMessageID, "message id %s already in flight", id)
	}
	ch := make(chan reply, 1)
	p.waiters[id] = ch
	return ch, nil
}

func (p *pending) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve hands data to the waiter for id. It reports false for replies
// nobody is waiting for.
func (p *pending) resolve(id string, data []byte) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply{data: data}
	return true
}

// fail rejects a single waiter.
func (p *pending) fail(id string, err error) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if ok {
		ch <- reply{err: err}
	}
}

// failAll rejects every outstanding waiter and all future adds.
func (p *pending) failAll(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	waiters := p.waiters
	p.waiters = make(map[string]chan reply)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- reply{err: err}
	}
}

func (p *pending) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// wait blocks until the reply for ch arrives or ctx ends.
func (p *pending) wait(ctx context.Context, id string, ch <-chan reply) ([]byte, error) {
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		p.remove(id)
		return nil, contextError(ctx.Err())
	}
}
