package broker

import (
	"sync"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
)

// fanout is the viewer group. One mutex covers membership, the join
// snapshot and every broadcast, so a joining viewer's snapshot is
// ordered against the deltas around it.
type fanout struct {
	mu      sync.Mutex
	members map[string]*client
}

func newFanout() *fanout {
	return &fanout{members: make(map[string]*client)}
}

// join adds c and queues the snapshot for it alone.
func (f *fanout) join(c *client, snapshot func() []domain.PublicInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	frame, err := encode(EventAllyInstances, snapshot())
	if err != nil {
		return err
	}
	f.members[c.id] = c
	if !c.enqueue(frame) {
		delete(f.members, c.id)
		c.shutdown()
	}
	return nil
}

func (f *fanout) leave(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, connID)
}

// broadcast marshals once and queues the frame on every viewer. Viewers
// whose queue is full are removed from the group and returned; the
// caller closes them.
func (f *fanout) broadcast(event string, data any) []*client {
	frame, err := encode(event, data)
	if err != nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var dropped []*client
	for id, c := range f.members {
		if !c.enqueue(frame) {
			delete(f.members, id)
			dropped = append(dropped, c)
		}
	}
	return dropped
}

func (f *fanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members)
}
