package mailbox

import (
	"context"
	"sync"
)

const memoryQueueSize = 64

// MemoryRelay is an in-process relay. Envelopes wait in a per-address queue
// until the target listens.
type MemoryRelay struct {
	mu        sync.Mutex
	queues    map[string]chan Envelope
	manifests map[string][]Manifest
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		queues:    make(map[string]chan Envelope),
		manifests: make(map[string][]Manifest),
	}
}

func (r *MemoryRelay) queue(address string) chan Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[address]
	if !ok {
		q = make(chan Envelope, memoryQueueSize)
		r.queues[address] = q
	}
	return q
}

func (r *MemoryRelay) Deliver(ctx context.Context, env *Envelope) error {
	select {
	case r.queue(env.Target) <- *env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *MemoryRelay) Listen(ctx context.Context, address string, fn func(*Envelope)) error {
	q := r.queue(address)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-q:
			fn(&env)
		}
	}
}

func (r *MemoryRelay) PublishManifest(ctx context.Context, address string, m Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[address] = append(r.manifests[address], m)
	return nil
}

// Manifests returns what address has published.
func (r *MemoryRelay) Manifests(address string) []Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Manifest(nil), r.manifests[address]...)
}

func (r *MemoryRelay) Close() error { return nil }
