package transport

import "sync"

// outbox is a single-slot mailbox between Broadcast and a peer's writer.
// Publishing never blocks: an unsent packet is replaced by the newer one.
type outbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	closed  bool

	dropped uint64
}

func newOutbox() *outbox {
	o := &outbox{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// publish stores datagrams for sending and reports whether an unsent packet
// was overwritten.
func (o *outbox) publish(datagrams [][]byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	overwrote := o.pending != nil
	if overwrote {
		o.dropped++
	}
	o.pending = datagrams
	o.cond.Signal()
	return overwrote
}

// take blocks until a packet is available and returns it, or returns nil
// once the outbox is closed.
func (o *outbox) take() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.pending == nil && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		return nil
	}
	d := o.pending
	o.pending = nil
	return d
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.pending = nil
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outbox) droppedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
